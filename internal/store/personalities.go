package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Personality is a selectable speaking style for the assistant.
// Builtin personalities can be edited but not deleted.
type Personality struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Builtin   bool      `json:"builtin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var builtinPersonalities = []Personality{
	{
		ID:     "professional",
		Name:   "专业",
		Prompt: "语气专业、严谨、高效。回答直接给出结论和依据，不闲聊。",
	},
	{
		ID:     "friendly",
		Name:   "友好",
		Prompt: "语气亲切自然，像熟悉的朋友。适度使用口语化表达，保持温暖。",
	},
	{
		ID:     "humorous",
		Name:   "幽默",
		Prompt: "轻松幽默，偶尔开个小玩笑，但不影响回答的准确性。",
	},
	{
		ID:     "concise",
		Name:   "简洁",
		Prompt: "回答尽量简短，能一句话说清就不用两句。",
	},
}

// seedPersonalities inserts builtin personalities that are missing.
// Existing rows are left alone so user edits survive restarts.
func (s *Store) seedPersonalities() error {
	now := time.Now().UTC()
	for _, p := range builtinPersonalities {
		_, err := s.db.Exec(
			`INSERT INTO personalities (id, name, prompt, builtin, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			p.ID, p.Name, p.Prompt, now, now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetPersonality returns a personality by ID, or ErrNotFound.
func (s *Store) GetPersonality(id string) (*Personality, error) {
	row := s.db.QueryRow(
		`SELECT id, name, prompt, builtin, created_at, updated_at FROM personalities WHERE id = ?`, id)
	var p Personality
	err := row.Scan(&p.ID, &p.Name, &p.Prompt, &p.Builtin, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPersonalities returns all personalities, builtins first.
func (s *Store) ListPersonalities() ([]Personality, error) {
	rows, err := s.db.Query(
		`SELECT id, name, prompt, builtin, created_at, updated_at
		 FROM personalities ORDER BY builtin DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Personality
	for rows.Next() {
		var p Personality
		if err := rows.Scan(&p.ID, &p.Name, &p.Prompt, &p.Builtin, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePersonality inserts a custom personality.
func (s *Store) CreatePersonality(name, prompt string) (*Personality, error) {
	if name == "" || prompt == "" {
		return nil, fmt.Errorf("%w: name and prompt required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	p := &Personality{
		ID:        uuid.NewString(),
		Name:      name,
		Prompt:    prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO personalities (id, name, prompt, builtin, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		p.ID, p.Name, p.Prompt, now, now,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePersonality edits name and prompt. Builtins may be edited.
func (s *Store) UpdatePersonality(id, name, prompt string) error {
	if name == "" || prompt == "" {
		return fmt.Errorf("%w: name and prompt required", ErrInvalidInput)
	}
	res, err := s.db.Exec(
		`UPDATE personalities SET name = ?, prompt = ?, updated_at = ? WHERE id = ?`,
		name, prompt, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeletePersonality removes a custom personality. Builtins return ErrForbidden.
func (s *Store) DeletePersonality(id string) error {
	p, err := s.GetPersonality(id)
	if err != nil {
		return err
	}
	if p.Builtin {
		return fmt.Errorf("%w: builtin personality cannot be deleted", ErrForbidden)
	}
	res, err := s.db.Exec(`DELETE FROM personalities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
