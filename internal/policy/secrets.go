package policy

import (
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding is a credential detected in file content.
type Finding struct {
	RuleID      string
	Description string
	Line        int
	StartCol    int
	EndCol      int
}

// SecretScanner detects credentials with the default gitleaks rule set. The
// detector is built on first use and reused afterwards.
type SecretScanner struct {
	once     sync.Once
	mu       sync.Mutex
	detector *detect.Detector
	err      error
}

func NewSecretScanner() *SecretScanner {
	return &SecretScanner{}
}

func (s *SecretScanner) Scan(content string) ([]Finding, error) {
	s.once.Do(func() {
		s.detector, s.err = detect.NewDetectorDefaultConfig()
	})
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartCol:    f.StartColumn,
			EndCol:      f.EndColumn,
		})
	}
	return out, nil
}
