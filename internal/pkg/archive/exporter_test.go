package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/tiersync/app/models"
)

type memSource struct {
	events []models.AuditEvent
	calls  int
}

func (m *memSource) ListBetween(_ context.Context, from, to time.Time, afterID uint, limit int) ([]models.AuditEvent, error) {
	m.calls++
	var out []models.AuditEvent
	for _, e := range m.events {
		if e.ID > afterID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memPutter struct {
	key  string
	body []byte
	err  error
}

func (m *memPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.key = *in.Key
	m.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestExportDayWritesJSONLines(t *testing.T) {
	day := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	src := &memSource{}
	for i := 1; i <= pageSize+5; i++ {
		src.events = append(src.events, models.AuditEvent{ID: uint(i), Category: models.AuditCategoryWebhook, Action: "invoice.payment_failed", Outcome: models.AuditOutcomeSuccess, CreatedAt: day.Add(time.Duration(i) * time.Second)})
	}
	src.events = append(src.events, models.AuditEvent{ID: 5000, Category: models.AuditCategorySweep, Action: "run_completed", CreatedAt: day.AddDate(0, 0, 1)})
	putter := &memPutter{}

	key, err := newExporter(putter, src, "bucket", "audit").ExportDay(context.Background(), day.Add(15*time.Hour))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "audit/2026/03/31-"), key)
	assert.True(t, strings.HasSuffix(key, ".jsonl"), key)
	assert.Equal(t, key, putter.key)
	assert.Equal(t, 2, src.calls)

	var lines int
	scanner := bufio.NewScanner(bytes.NewReader(putter.body))
	for scanner.Scan() {
		var ev models.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		assert.NotEqual(t, uint(5000), ev.ID)
		lines++
	}
	assert.Equal(t, pageSize+5, lines)
}

func TestExportDaySkipsEmptyDays(t *testing.T) {
	putter := &memPutter{}

	key, err := newExporter(putter, &memSource{}, "bucket", "").ExportDay(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, putter.key)
}

func TestExportDayUploadFailure(t *testing.T) {
	src := &memSource{events: []models.AuditEvent{{ID: 1, CreatedAt: time.Date(2026, 3, 31, 1, 0, 0, 0, time.UTC)}}}

	_, err := newExporter(&memPutter{err: errors.New("AccessDenied")}, src, "bucket", "").ExportDay(context.Background(), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "AccessDenied")
}
