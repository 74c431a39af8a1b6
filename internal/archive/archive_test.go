package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"opsrelay/internal/config"
	"opsrelay/internal/escalate"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closedCase(state escalate.CaseState, age time.Duration) *escalate.Case {
	now := time.Now()
	return &escalate.Case{
		CaseID:    uuid.New(),
		RuleID:    "rule-critical",
		State:     state,
		CreatedAt: now.Add(-age),
		UpdatedAt: now,
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.S3Config{}, testLogger())
	if !errors.Is(err, ErrNoBucket) {
		t.Fatalf("expected ErrNoBucket, got %v", err)
	}
}

func TestArchiveCases(t *testing.T) {
	putter := &fakePutter{}
	a := newArchiver(putter, config.S3Config{Bucket: "opsrelay-archive", Prefix: "closed/"}, testLogger())

	cases := []*escalate.Case{
		closedCase(escalate.StateAcknowledged, 2*time.Hour),
		closedCase(escalate.StateExpired, time.Hour),
	}

	result, err := a.ArchiveCases(context.Background(), cases)
	if err != nil {
		t.Fatalf("ArchiveCases failed: %v", err)
	}
	if result.Count != 2 {
		t.Errorf("expected count 2, got %d", result.Count)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(putter.inputs))
	}

	input := putter.inputs[0]
	if aws.ToString(input.Bucket) != "opsrelay-archive" {
		t.Errorf("unexpected bucket %q", aws.ToString(input.Bucket))
	}
	key := aws.ToString(input.Key)
	if !strings.HasPrefix(key, "closed/") {
		t.Errorf("key %q missing prefix", key)
	}
	if !strings.HasSuffix(key, ".json.gz") {
		t.Errorf("key %q missing suffix", key)
	}
	wantDate := time.Now().UTC().Format("2006/01/02")
	if !strings.Contains(key, wantDate) {
		t.Errorf("key %q missing date path %q", key, wantDate)
	}

	// Decompress and verify the batch round-trips.
	raw, err := io.ReadAll(input.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	decoded, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}

	var batch CaseBatch
	if err := json.Unmarshal(decoded, &batch); err != nil {
		t.Fatalf("failed to unmarshal batch: %v", err)
	}
	if batch.Count != 2 || len(batch.Cases) != 2 {
		t.Errorf("expected 2 cases in batch, got count=%d len=%d", batch.Count, len(batch.Cases))
	}
	if batch.Cases[0].RuleID != "rule-critical" {
		t.Errorf("unexpected rule id %q", batch.Cases[0].RuleID)
	}
	if !batch.StartTime.Before(batch.EndTime) {
		t.Errorf("expected start %v before end %v", batch.StartTime, batch.EndTime)
	}

	m := a.GetMetrics()
	if m.CasesArchived != 2 || m.BatchesUploaded != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if m.BytesUploaded != result.Size {
		t.Errorf("bytes uploaded %d != result size %d", m.BytesUploaded, result.Size)
	}
}

func TestArchiveCasesEmpty(t *testing.T) {
	putter := &fakePutter{}
	a := newArchiver(putter, config.S3Config{Bucket: "b"}, testLogger())

	result, err := a.ArchiveCases(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
	if len(putter.inputs) != 0 {
		t.Errorf("expected no uploads")
	}
}

func TestArchiveCasesUploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("connection refused")}
	a := newArchiver(putter, config.S3Config{Bucket: "b"}, testLogger())

	_, err := a.ArchiveCases(context.Background(), []*escalate.Case{
		closedCase(escalate.StateResolved, time.Minute),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if a.GetMetrics().Errors != 1 {
		t.Errorf("expected 1 error counted")
	}
}

func TestDefaultPrefix(t *testing.T) {
	a := newArchiver(&fakePutter{}, config.S3Config{Bucket: "b"}, testLogger())
	key := a.batchKey(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), uuid.Nil)
	want := "cases/2026/03/14/00000000-0000-0000-0000-000000000000.json.gz"
	if key != want {
		t.Errorf("batchKey = %q, want %q", key, want)
	}
}
