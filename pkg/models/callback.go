package models

// CallbackAction type of callback action
type CallbackAction string

const (
	CallbackMute     CallbackAction = "off"
	CallbackCopyCode CallbackAction = "cc"
)

// CallbackData structure for inline button callback
type CallbackData struct {
	Action CallbackAction `json:"a"`
	Target string         `json:"t,omitempty"`
	Code   string         `json:"c,omitempty"` // Code value for copying
}
