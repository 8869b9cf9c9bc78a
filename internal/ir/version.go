package ir

// Version constants for the journal format and engine.
const (
	// JournalVersion is the on-disk entry encoding version.
	JournalVersion = "1"

	// EngineVersion is the durable engine version.
	EngineVersion = "0.1.0"
)
