package domain

import "time"

type SessionID string

type JourneyStep struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is one browsing session. It is created on the first sampled page load,
// mutated by page views and journey events and finalized on page unload.
type Session struct {
	ID        SessionID     `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	LastSeen  time.Time     `json:"last_seen"`
	PageViews int           `json:"page_views"`
	Journey   []JourneyStep `json:"journey,omitempty"`
	Bounced   bool          `json:"bounced"`
}

func (s *Session) TrackPageView(pageID string, at time.Time) {
	if s == nil {
		return
	}

	s.PageViews++
	s.LastSeen = at
	s.Journey = append(s.Journey, JourneyStep{
		Name:      "page_view",
		Timestamp: at,
		Metadata:  map[string]string{"page": pageID},
	})
}

func (s *Session) TrackStep(name string, metadata map[string]string, at time.Time) {
	if s == nil {
		return
	}

	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}

	s.LastSeen = at
	s.Journey = append(s.Journey, JourneyStep{Name: name, Timestamp: at, Metadata: copied})
}

// Finalize stamps the end time and derives the bounce flag.
func (s *Session) Finalize(at time.Time) {
	if s == nil {
		return
	}

	s.EndedAt = at
	s.LastSeen = at
	s.Bounced = s.PageViews <= 1
}

func (s Session) IsEnded() bool {
	return !s.EndedAt.IsZero()
}

// IsResumable reports whether a persisted snapshot may be continued after a reload.
func (s Session) IsResumable(now time.Time, idle time.Duration) bool {
	if s.ID == "" || s.LastSeen.IsZero() {
		return false
	}
	if idle <= 0 {
		return false
	}

	return now.Sub(s.LastSeen) <= idle
}
