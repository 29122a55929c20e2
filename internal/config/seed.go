package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// SessionSeed 会话初始内容，从 YAML 文件读取
type SessionSeed struct {
	Location string                  `yaml:"location"`
	Party    []models.CharacterState `yaml:"party"`
	Quests   []models.Quest          `yaml:"quests"`
	NPCs     []models.NPC            `yaml:"npcs"`
	Lore     []string                `yaml:"lore"`
	Intro    string                  `yaml:"intro"`
}

// LoadSessionSeed 读取并校验种子文件
func LoadSessionSeed(path string) (*SessionSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session seed %s: %w", path, err)
	}

	var seed SessionSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse session seed %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("invalid session seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *SessionSeed) validate() error {
	seen := make(map[string]bool, len(s.Party))
	for i, c := range s.Party {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("party[%d]: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("party[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.MaxHP <= 0 {
			return fmt.Errorf("party[%d]: max_hp must be positive", i)
		}
		if c.CurrentHP < 0 || c.CurrentHP > c.MaxHP {
			return fmt.Errorf("party[%d]: current_hp out of range", i)
		}
	}
	for i, q := range s.Quests {
		if q.ID == "" {
			return fmt.Errorf("quests[%d]: id is required", i)
		}
		if q.Status != "" && !q.Status.Valid() {
			return fmt.Errorf("quests[%d]: unknown status %q", i, q.Status)
		}
	}
	return nil
}

// NewSessionState 按种子内容构造一个新的会话状态
func (s *SessionSeed) NewSessionState(sessionID string) *models.SessionState {
	state := models.NewSessionState(sessionID)
	if s == nil {
		return state
	}
	state.Location = s.Location
	for i := range s.Party {
		c := s.Party[i].Clone()
		state.Party[c.ID] = c
	}
	for i := range s.Quests {
		q := s.Quests[i]
		if q.Status == "" {
			q.Status = models.QuestActive
		}
		state.Quests[q.ID] = &q
	}
	for i := range s.NPCs {
		n := s.NPCs[i]
		state.NPCs[n.ID] = &n
	}
	state.WorldLore = append(state.WorldLore, s.Lore...)
	if intro := strings.TrimSpace(s.Intro); intro != "" {
		state.ChatHistory = append(state.ChatHistory, models.ChatMessage{
			ID:        ulid.Make().String(),
			Role:      models.RoleNarrator,
			Content:   intro,
			Timestamp: state.CreatedAt,
		})
	}
	return state
}
