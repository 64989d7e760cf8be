package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
)

// UsageStore handles usage statistics persistence. Records are bucketed by
// calendar day in the configured location, the same days the quota uses.
type UsageStore struct {
	usageDir string
	clock    clock.Clock
	loc      *time.Location
	mu       sync.Mutex
}

// UsageOption configures a UsageStore
type UsageOption func(s *UsageStore)

// WithUsageClock sets the time source
func WithUsageClock(c clock.Clock) UsageOption {
	return func(s *UsageStore) { s.clock = c }
}

// WithUsageLocation sets the timezone that defines a calendar day
func WithUsageLocation(loc *time.Location) UsageOption {
	return func(s *UsageStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewUsageStore creates a new usage store counting days in UTC unless
// WithUsageLocation says otherwise
func NewUsageStore(usageDir string, opts ...UsageOption) *UsageStore {
	s := &UsageStore{
		usageDir: usageDir,
		clock:    clock.Real{},
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UsageRecord is the daily usage of one user
type UsageRecord struct {
	Date         string `json:"date"` // YYYY-MM-DD
	UserID       string `json:"user_id"`
	TotalTokens  int64  `json:"total_tokens"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	RequestCount int64  `json:"request_count"`
}

// RecordUsage adds one completed chat to the user's record for today
func (s *UsageStore) RecordUsage(userID string, inputTokens, outputTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.usageDir, 0755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	today := s.clock.Now().In(s.loc).Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.json", today, sanitizeFilename(userID))
	filePath := filepath.Join(s.usageDir, filename)

	record := UsageRecord{
		Date:   today,
		UserID: userID,
	}
	if data, err := os.ReadFile(filePath); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
	}

	record.InputTokens += inputTokens
	record.OutputTokens += outputTokens
	record.TotalTokens += inputTokens + outputTokens
	record.RequestCount++

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}

	return nil
}

// GetUsageHistory returns records of the last days, newest first
func (s *UsageStore) GetUsageHistory(days int) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.usageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []UsageRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read usage directory: %w", err)
	}

	now := s.clock.Now().In(s.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, -days)

	records := []UsageRecord{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		// YYYY-MM-DD_userid.json
		dateStr, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		recordDate, err := time.ParseInLocation("2006-01-02", dateStr, s.loc)
		if err != nil || recordDate.Before(cutoff) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.usageDir, entry.Name()))
		if err != nil {
			continue
		}

		var record UsageRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].UserID < records[j].UserID
	})
	return records, nil
}

// sanitizeFilename keeps an identifier usable as part of a file name
func sanitizeFilename(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '+', '=', '.':
			return '-'
		}
		return r
	}, id)
}
