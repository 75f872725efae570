package models

import "time"

// RawMessage is a message as fetched from the mailbox, before parsing
type RawMessage struct {
	UID          uint32    // IMAP UID, unique within one UIDVALIDITY epoch
	InternalDate time.Time // Server arrival time
	Raw          []byte    // Full RFC 5322 message
}

// MessageRecord is a normalized message ready for fanout
type MessageRecord struct {
	AccountKey  string         // Partition key of the source account
	Mailbox     string         // Login of the source account
	MessageID   uint32         // IMAP UID
	Sender      string         // Decoded From header
	Recipient   string         // Decoded To header
	Subject     string         // Decoded subject
	Body        string         // Plain text preview, already truncated
	Date        time.Time      // Date header, or arrival time
	FetchedAt   time.Time      // When the poller fetched it
	Codes       []DetectedCode // Verification codes found in the body
	ParseFailed bool           // Body is a placeholder
}

// DetectedCode represents a detected verification code
type DetectedCode struct {
	Type  string `json:"type"`  // "otp", "verification", "pin", "code"
	Value string `json:"value"` // The code itself
}
