package model

// ActivationKey is a one-time key that grants a subscription.
type ActivationKey struct {
	ID     int64  `json:"id"`
	Key    string `json:"key"`
	Used   bool   `json:"used"`
	UsedBy *int64 `json:"used_by,omitempty"`
}
