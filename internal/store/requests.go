package store

import (
	"fmt"
)

// Request is one relayed API request record. Bodies are never stored.
type Request struct {
	ID             string
	Timestamp      string
	Method         string
	Path           string
	Protocol       string
	Model          string
	Stream         bool
	AntiTruncation bool
	Attempts       int
	MarkerFound    bool
	TokensOut      int64
	LatencyMs      int64
	StatusCode     int
	ClientIP       string
	ErrorMessage   string
}

// RequestStats holds aggregate statistics over the request history.
type RequestStats struct {
	TotalRequests      int64
	StreamingRequests  int64
	AntiTruncationRuns int64
	MarkerFound        int64
	TotalAttempts      int64
	TotalTokensOut     int64
}

// InsertRequest stores a new request record. The caller provides a unique
// ID (a UUID).
func (s *Store) InsertRequest(r *Request) error {
	_, err := s.writer.Exec(`
		INSERT INTO requests (
			id, timestamp, method, path, protocol, model,
			stream, anti_truncation, attempts, marker_found,
			tokens_out, latency_ms, status_code, client_ip, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Method, r.Path, r.Protocol, r.Model,
		boolInt(r.Stream), boolInt(r.AntiTruncation), r.Attempts, boolInt(r.MarkerFound),
		r.TokensOut, r.LatencyMs, r.StatusCode, r.ClientIP, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a single request by its ID. Returns sql.ErrNoRows
// when the request does not exist.
func (s *Store) GetRequest(id string) (*Request, error) {
	r := &Request{}
	var stream, antiTrunc, markerFound int

	err := s.reader.QueryRow(`
		SELECT id, timestamp, method, path, protocol, model,
		       stream, anti_truncation, attempts, marker_found,
		       tokens_out, latency_ms, status_code, client_ip, error_message
		FROM requests WHERE id = ?`, id).Scan(
		&r.ID, &r.Timestamp, &r.Method, &r.Path, &r.Protocol, &r.Model,
		&stream, &antiTrunc, &r.Attempts, &markerFound,
		&r.TokensOut, &r.LatencyMs, &r.StatusCode, &r.ClientIP, &r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	r.Stream = stream != 0
	r.AntiTruncation = antiTrunc != 0
	r.MarkerFound = markerFound != 0
	return r, nil
}

// ListRecent returns the most recent request records, newest first.
func (s *Store) ListRecent(limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.reader.Query(`
		SELECT id, timestamp, method, path, protocol, model,
		       stream, anti_truncation, attempts, marker_found,
		       tokens_out, latency_ms, status_code, client_ip, error_message
		FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var result []*Request
	for rows.Next() {
		r := &Request{}
		var stream, antiTrunc, markerFound int
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Method, &r.Path, &r.Protocol, &r.Model,
			&stream, &antiTrunc, &r.Attempts, &markerFound,
			&r.TokensOut, &r.LatencyMs, &r.StatusCode, &r.ClientIP, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		r.Stream = stream != 0
		r.AntiTruncation = antiTrunc != 0
		r.MarkerFound = markerFound != 0
		result = append(result, r)
	}
	return result, rows.Err()
}

// Stats returns aggregate statistics over the full history.
func (s *Store) Stats() (*RequestStats, error) {
	st := &RequestStats{}
	err := s.reader.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(stream), 0),
		       COALESCE(SUM(anti_truncation), 0),
		       COALESCE(SUM(marker_found), 0),
		       COALESCE(SUM(attempts), 0),
		       COALESCE(SUM(tokens_out), 0)
		FROM requests`).Scan(
		&st.TotalRequests, &st.StreamingRequests, &st.AntiTruncationRuns,
		&st.MarkerFound, &st.TotalAttempts, &st.TotalTokensOut,
	)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
