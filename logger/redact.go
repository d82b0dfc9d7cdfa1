package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Redacted replaces every protected value in log output
const Redacted = "[REDACTED]"

var redactor = NewRedactHook()

// RedactHook scrubs registered secrets from entry messages and fields
type RedactHook struct {
	mu      sync.RWMutex
	secrets map[string]int
}

// NewRedactHook creates an empty hook
func NewRedactHook() *RedactHook {
	return &RedactHook{secrets: map[string]int{}}
}

// Redactor returns the hook installed on the global logger, for attaching
// to other loggers
func Redactor() *RedactHook {
	return redactor
}

// Protect registers secrets with the global hook until the returned release
// func is called
func Protect(secrets ...string) func() {
	return redactor.Add(secrets...)
}

// Add registers secrets. Registrations are counted so concurrent sessions
// sharing a value do not unregister each other.
func (h *RedactHook) Add(secrets ...string) func() {
	var added []string
	h.mu.Lock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		h.secrets[s]++
		added = append(added, s)
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, s := range added {
				if h.secrets[s] <= 1 {
					delete(h.secrets, s)
				} else {
					h.secrets[s]--
				}
			}
		})
	}
}

func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RedactHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.secrets) == 0 {
		return nil
	}

	entry.Message = h.scrub(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.scrub(val)
		case error:
			if s := val.Error(); h.contains(s) {
				entry.Data[k] = h.scrub(s)
			}
		case fmt.Stringer:
			if s := val.String(); h.contains(s) {
				entry.Data[k] = h.scrub(s)
			}
		}
	}
	return nil
}

func (h *RedactHook) contains(s string) bool {
	for secret := range h.secrets {
		if strings.Contains(s, secret) {
			return true
		}
	}
	return false
}

func (h *RedactHook) scrub(s string) string {
	for secret := range h.secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}
