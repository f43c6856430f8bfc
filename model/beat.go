package model

// Beat represents a catalog item with its categorical descriptors.
// Beats are loaded once per catalog snapshot and are never mutated after load;
// everything downstream (scoring, interleaving, bus payloads) holds references.
type Beat struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Genres     []string     `json:"genres,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Moods      []string     `json:"moods,omitempty"`
	URL        string       `json:"url,omitempty"`
	Price      float64      `json:"price,omitempty"`
	Picture    string       `json:"picture,omitempty"`
	Timestamps []TimeMarker `json:"timestamps,omitempty"`
	// Features holds the numeric audio descriptor vector produced by the
	// analysis service (mfcc/chroma summary). Empty when not yet analyzed.
	Features []float64 `json:"-"`
}

// TimeMarker is a named time range inside a beat (e.g. "drop", "hook").
type TimeMarker struct {
	Label string  `json:"label"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ScoredBeat is a Beat reference paired with its similarity score.
type ScoredBeat struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Genres []string `json:"genres"`
	Tags   []string `json:"tags"`
	Moods  []string `json:"moods"`
	Score  float64  `json:"score"`
}

// Recommendation is the payload published to the recommendation topic.
// The message key on the bus is always UserID so that per-user ordering holds.
type Recommendation struct {
	UserID string `json:"user_id"`
	Beat   *Beat  `json:"beat"`
}

// RefillRequest is the payload published to the refill topic when a user's
// queue runs low. It only ever exists on the bus.
type RefillRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}
