package game

// ActionJournal receives one record per handled player action.
// Implemented in internal/persistence/*. May be nil.
type ActionJournal interface {
	RecordAction(ActionRecord)
}

// SaveJournal receives one record per committed save write.
type SaveJournal interface {
	RecordSave(SaveRecord)
}

// NoticeJournal receives user-visible advisories: position-source failures,
// admin events, recovery from unreadable saves.
type NoticeJournal interface {
	RecordNotice(NoticeRecord)
}

// ActionRecord describes a handled action and the window churn it caused.
// At is stamped by the sink, not the game loop.
type ActionRecord struct {
	Slot    string  `json:"slot"`
	Seq     uint64  `json:"seq"`
	Kind    string  `json:"kind"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	OK      bool    `json:"ok"`
	Coins   int     `json:"coins"`
	Entered int     `json:"entered"`
	Left    int     `json:"left"`
	At      string  `json:"at,omitempty"`
}

type SaveRecord struct {
	Slot  string `json:"slot"`
	Seq   uint64 `json:"seq"`
	Bytes int    `json:"bytes"`
	At    string `json:"at,omitempty"`
}

type NoticeRecord struct {
	Slot  string `json:"slot"`
	Level string `json:"level"`
	Text  string `json:"text"`
	At    string `json:"at,omitempty"`
}
