package suite

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Default escalation paddings applied when a timeout declaration names
// only the soft threshold.
const (
	DefaultHard = 60 * time.Second
	DefaultKill = 10 * time.Second
)

var timeoutRe = regexp.MustCompile(`^(\d+)(?:,(\d+))?(?:,(\d+))?$`)

// Timeout is the three-tier duration policy applied to a running suite.
// Soft is how long a suite may run before the first interrupt. Hard and
// Kill are paddings on top of the previous tier, not absolute values:
// the second interrupt fires at Soft+Hard, the kill at Soft+Hard+Kill.
type Timeout struct {
	Soft time.Duration
	Hard time.Duration
	Kill time.Duration
}

// NewTimeout builds a Timeout with the default hard and kill paddings.
func NewTimeout(soft time.Duration) *Timeout {
	return &Timeout{Soft: soft, Hard: DefaultHard, Kill: DefaultKill}
}

// ParseTimeout parses the textual form "soft[,hard[,kill]]" where every
// field is a non-negative integer number of seconds.
func ParseTimeout(s string) (*Timeout, error) {
	m := timeoutRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("invalid timeout %q: want soft[,hard[,kill]] seconds", s)
	}
	t := NewTimeout(0)
	soft, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	t.Soft = time.Duration(soft) * time.Second
	if m[2] != "" {
		hard, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		t.Hard = time.Duration(hard) * time.Second
	}
	if m[3] != "" {
		kill, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		t.Kill = time.Duration(kill) * time.Second
	}
	return t, nil
}

// HardTotal is the cumulative elapsed time after which the second
// interrupt is due.
func (t *Timeout) HardTotal() time.Duration {
	return t.Soft + t.Hard
}

// KillTotal is the cumulative elapsed time after which the forceful
// kill is due.
func (t *Timeout) KillTotal() time.Duration {
	return t.HardTotal() + t.Kill
}

func (t *Timeout) String() string {
	return fmt.Sprintf("%d,%d,%d",
		int(t.Soft.Seconds()), int(t.Hard.Seconds()), int(t.Kill.Seconds()))
}
