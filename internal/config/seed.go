package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"gopkg.in/yaml.v3"
)

// SeedAccount is one entry of a seed file. PIN is plaintext and hashed on
// load; PINHash is used as-is when PIN is empty.
type SeedAccount struct {
	ID           string      `yaml:"id"`
	Email        string      `yaml:"email"`
	Name         string      `yaml:"name"`
	Balance      int64       `yaml:"balance"`
	Role         domain.Role `yaml:"role"`
	FeeCollector bool        `yaml:"fee_collector"`
	PIN          string      `yaml:"pin"`
	PINHash      string      `yaml:"pin_hash"`
}

type seedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadSeed reads a seed file and returns its accounts with PINs hashed by
// hashPIN.
func LoadSeed(path string, hashPIN func(string) (string, error)) ([]domain.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}

	accounts := make([]domain.Account, 0, len(f.Accounts))
	collectors := 0
	for i, s := range f.Accounts {
		if s.ID == "" {
			return nil, fmt.Errorf("seed account %d: id is required", i)
		}
		if s.FeeCollector {
			collectors++
		}
		acc := domain.Account{
			ID:           s.ID,
			Email:        s.Email,
			Name:         s.Name,
			Balance:      s.Balance,
			Role:         s.Role,
			FeeCollector: s.FeeCollector,
			PINHash:      s.PINHash,
		}
		if s.PIN != "" {
			if acc.PINHash, err = hashPIN(s.PIN); err != nil {
				return nil, fmt.Errorf("seed account %s: %w", s.ID, err)
			}
		}
		accounts = append(accounts, acc)
	}
	if collectors > 1 {
		return nil, errors.New("seed declares more than one fee collector")
	}
	return accounts, nil
}
