// Package users manages per-user profiles, permission roles, and rate
// limits for the chat channels.
package users

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Role is a user's permission level.
type Role int

const (
	RoleGuest Role = iota // basic chat, no tools, rate-limited
	RoleUser              // chat plus most tools
	RoleAdmin             // full access, user management commands
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleUser:
		return "user"
	default:
		return "guest"
	}
}

// ParseRole maps a role name to a Role. Unknown names default to guest.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "user":
		return RoleUser
	default:
		return RoleGuest
	}
}

// toolsByRole lists allowed tool names per role. Admin is unrestricted.
var toolsByRole = map[Role][]string{
	RoleGuest: {},
	RoleUser: {
		"read_file",
		"write_file",
		"list_dir",
		"web_search",
		"web_fetch",
		"memory_search",
		"message",
	},
}

const (
	userDailyLimit    = 200
	defaultGuestLimit = 20
)

// Profile is one user's stored record.
type Profile struct {
	ChatID     string    `json:"chat_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	DailyLimit int       `json:"daily_limit"`
	UsageToday int       `json:"usage_today"`
	UsageDate  string    `json:"usage_date"` // YYYY-MM-DD of last counted use
}

// AllowedTools returns the tool names this user may call, or nil for
// unrestricted access.
func (p *Profile) AllowedTools() []string {
	if p.Role == RoleAdmin {
		return nil
	}
	return toolsByRole[p.Role]
}

// CheckRateLimit reports whether the user is within their daily quota.
// The counter resets when the date changes.
func (p *Profile) CheckRateLimit() bool {
	today := time.Now().Format("2006-01-02")
	if p.UsageDate != today {
		p.UsageToday = 0
		p.UsageDate = today
	}
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleUser:
		return p.UsageToday < userDailyLimit
	default:
		limit := p.DailyLimit
		if limit <= 0 {
			limit = defaultGuestLimit
		}
		return p.UsageToday < limit
	}
}

// RecordUsage increments the daily usage counter.
func (p *Profile) RecordUsage() {
	today := time.Now().Format("2006-01-02")
	if p.UsageDate != today {
		p.UsageToday = 0
		p.UsageDate = today
	}
	p.UsageToday++
}

// Manager loads and saves profiles from a JSON file. All methods are
// safe for concurrent use.
type Manager struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	profiles map[string]*Profile
	owners   []string
}

type usersFile struct {
	OwnerChatIDs []string            `json:"owner_chat_ids"`
	Profiles     map[string]*Profile `json:"profiles"`
}

// NewManager loads the users file at path, creating an empty manager
// when the file does not exist yet.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:     path,
		logger:   logger.With("component", "users"),
		profiles: make(map[string]*Profile),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var f usersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	m.owners = f.OwnerChatIDs
	if f.Profiles != nil {
		m.profiles = f.Profiles
	}

	// Owners are always admin, whatever the stored role says.
	for _, id := range m.owners {
		if p, ok := m.profiles[id]; ok {
			p.Role = RoleAdmin
		}
	}
	return m, nil
}

// GetOrCreate returns the profile for chatID, creating a guest profile
// (or admin, for configured owners) on first contact.
func (m *Manager) GetOrCreate(chatID, name string) *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.profiles[chatID]; ok {
		if name != "" && p.Name == "" {
			p.Name = name
		}
		return p
	}

	p := &Profile{
		ChatID:     chatID,
		Name:       name,
		Role:       RoleGuest,
		CreatedAt:  time.Now(),
		DailyLimit: defaultGuestLimit,
	}
	for _, id := range m.owners {
		if id == chatID {
			p.Role = RoleAdmin
			break
		}
	}
	m.profiles[chatID] = p
	return p
}

// SetRole updates a user's role and persists the change.
func (m *Manager) SetRole(chatID string, role Role) error {
	m.mu.Lock()
	p, ok := m.profiles[chatID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown user %s", chatID)
	}
	p.Role = role
	m.mu.Unlock()
	return m.Save()
}

// Save writes all profiles back to disk.
func (m *Manager) Save() error {
	m.mu.Lock()
	f := usersFile{OwnerChatIDs: m.owners, Profiles: m.profiles}
	data, err := json.MarshalIndent(f, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create users dir: %w", err)
		}
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	return nil
}
