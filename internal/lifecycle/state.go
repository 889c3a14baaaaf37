package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// State 是生命周期状态。
type State int

const (
	StateUninitialized State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateServing
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInstalling:    "installing",
	StateInstalled:     "installed",
	StateActivating:    "activating",
	StateServing:       "serving",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText 让状态在 JSON 中以名称输出。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition 表示请求的状态迁移不被允许，状态保持不变。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions 列出允许的迁移；回到 uninitialized 的重置边不在此表中，由 Reset 处理。
var transitions = map[State][]State{
	StateUninitialized: {StateInstalling},
	StateInstalling:    {StateInstalled, StateServing},
	StateInstalled:     {StateActivating, StateInstalling},
	StateActivating:    {StateServing},
	StateServing:       {StateInstalling},
}

// Machine 是带守卫的有限状态机。
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine 返回处于 uninitialized 的状态机。
func NewMachine() *Machine {
	return &Machine{state: StateUninitialized}
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition 报告 from → to 是否合法。
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition 迁移到 to；非法迁移返回 ErrInvalidTransition。
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// Reset 从任意状态回到 uninitialized。
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUninitialized
}
