// Package signatures holds the substring vocabularies used by the security
// and bot analytics: attack signatures grouped by category, and bot
// user-agent indicators. A built-in default set is always available; both
// vocabularies can be replaced from a YAML file.
package signatures

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AttackGroup is one category of attack signatures (SQL injection, XSS...).
type AttackGroup struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
}

// BotSignature maps a user-agent substring to a bot label.
type BotSignature struct {
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`
}

// File is the on-disk YAML layout.
type File struct {
	Attack []AttackGroup  `yaml:"attack"`
	Bots   []BotSignature `yaml:"bots"`
}

// Set is a compiled, lowercase signature set ready for matching.
type Set struct {
	attack []AttackGroup
	bots   []BotSignature
}

// Default returns the built-in vocabulary.
func Default() *Set {
	return compile(File{
		Attack: []AttackGroup{
			{
				Category: "sql_injection",
				Patterns: []string{
					"union select", "drop table", "insert into", "delete from",
					"information_schema", "sqlmap",
				},
			},
			{
				Category: "xss",
				Patterns: []string{
					"<script", "javascript:", "eval(", "document.cookie",
					"onerror=", "onload=",
				},
			},
			{
				Category: "path_traversal",
				Patterns: []string{
					"../", "..\\", "etc/passwd", "etc/shadow", "/proc/", "/sys/",
				},
			},
			{
				Category: "command_injection",
				Patterns: []string{
					"$(", "`", "system(", "exec(", "shell_exec(", "passthru(",
				},
			},
			{
				Category: "scanner",
				Patterns: []string{
					"nikto", "nmap", "dirb", "gobuster", "wfuzz", "dirbuster",
					"wp-admin", "phpmyadmin",
				},
			},
		},
		Bots: []BotSignature{
			{Pattern: "googlebot", Label: "Google"},
			{Pattern: "bingbot", Label: "Bing"},
			{Pattern: "slurp", Label: "Yahoo"},
			{Pattern: "duckduckbot", Label: "DuckDuckGo"},
			{Pattern: "facebookexternalhit", Label: "Facebook"},
			{Pattern: "twitterbot", Label: "Twitter"},
			{Pattern: "linkedinbot", Label: "LinkedIn"},
			{Pattern: "telegrambot", Label: "Telegram"},
			{Pattern: "curl", Label: "Curl"},
			{Pattern: "wget", Label: "Wget"},
			{Pattern: "python", Label: "Python"},
			{Pattern: "bot", Label: "Generic bot"},
			{Pattern: "crawler", Label: "Generic crawler"},
			{Pattern: "spider", Label: "Generic spider"},
		},
	})
}

// Load reads a signature file from disk. Empty sections fall back to the
// built-in defaults so a file may override only one vocabulary.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signatures file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing signatures YAML: %w", err)
	}

	def := Default()
	if len(f.Attack) == 0 {
		f.Attack = def.attack
	}
	if len(f.Bots) == 0 {
		f.Bots = def.bots
	}
	for _, g := range f.Attack {
		if g.Category == "" {
			return nil, fmt.Errorf("attack group without category")
		}
		if len(g.Patterns) == 0 {
			return nil, fmt.Errorf("attack group %s has no patterns", g.Category)
		}
	}
	for _, b := range f.Bots {
		if b.Pattern == "" {
			return nil, fmt.Errorf("bot signature without pattern")
		}
	}

	return compile(f), nil
}

func compile(f File) *Set {
	s := &Set{
		attack: make([]AttackGroup, 0, len(f.Attack)),
		bots:   make([]BotSignature, 0, len(f.Bots)),
	}
	for _, g := range f.Attack {
		lowered := make([]string, len(g.Patterns))
		for i, p := range g.Patterns {
			lowered[i] = strings.ToLower(p)
		}
		s.attack = append(s.attack, AttackGroup{Category: g.Category, Patterns: lowered})
	}
	for _, b := range f.Bots {
		s.bots = append(s.bots, BotSignature{
			Pattern: strings.ToLower(b.Pattern),
			Label:   b.Label,
		})
	}
	return s
}

// MatchAttack returns every attack pattern found in line, in vocabulary
// order. The line is lowercased before matching.
func (s *Set) MatchAttack(line string) []string {
	lowered := strings.ToLower(line)
	var hits []string
	for _, g := range s.attack {
		for _, p := range g.Patterns {
			if strings.Contains(lowered, p) {
				hits = append(hits, p)
			}
		}
	}
	return hits
}

// HasAttack reports whether line contains any attack signature.
func (s *Set) HasAttack(line string) bool {
	lowered := strings.ToLower(line)
	for _, g := range s.attack {
		for _, p := range g.Patterns {
			if strings.Contains(lowered, p) {
				return true
			}
		}
	}
	return false
}

// MatchBot returns the label of the first bot signature found in the user
// agent string.
func (s *Set) MatchBot(userAgent string) (string, bool) {
	lowered := strings.ToLower(userAgent)
	for _, b := range s.bots {
		if strings.Contains(lowered, b.Pattern) {
			return b.Label, true
		}
	}
	return "", false
}
