// Package audit provides PDR (Process Decision Record) writing for fnbox.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/fnbox/internal/models"
)

// Actions recorded by the control plane.
const (
	ActionRegister = "function.register"
	ActionInvoke   = "function.invoke"
)

// Sink persists PDR entries.
type Sink interface {
	WritePDR(action, inputsHash, outcome, functionID, actor, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a registration or invocation.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, functionID, actor, details string) (*models.PDREntry, error) {
	inputsHash := HashInputs(inputs)
	return w.sink.WritePDR(action, inputsHash, outcome, functionID, actor, details)
}

// HashInputs creates a SHA256 hash of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
