package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SMTPProfile is a named relay preset. RecommendedDelay is the pacing the
// provider tolerates between groups.
type SMTPProfile struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Secure           bool          `yaml:"secure"`
	User             string        `yaml:"user"`
	RecommendedDelay time.Duration `yaml:"recommended_delay"`
}

type profileFile struct {
	Profiles map[string]SMTPProfile `yaml:"profiles"`
}

// LoadProfiles reads a YAML file of the form
//
//	profiles:
//	  gmail:
//	    host: smtp.gmail.com
//	    port: 587
//	    recommended_delay: 2s
func LoadProfiles(path string) (map[string]SMTPProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open profiles: %w", err)
	}
	defer f.Close()

	var pf profileFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("config: parse profiles %s: %w", path, err)
	}
	return pf.Profiles, nil
}

// applyProfile fills SMTP settings from the selected profile. Values set
// explicitly in the environment win.
func (c *Config) applyProfile() error {
	if c.SMTPProfile == "" {
		return nil
	}
	if c.SMTPProfilesFile == "" {
		return errors.New("SMTP_PROFILE is set but SMTP_PROFILES_FILE is not")
	}

	profiles, err := LoadProfiles(c.SMTPProfilesFile)
	if err != nil {
		return err
	}
	p, ok := profiles[c.SMTPProfile]
	if !ok {
		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("SMTP_PROFILE %q not found in %s (have %v)", c.SMTPProfile, c.SMTPProfilesFile, names)
	}

	if os.Getenv("SMTP_HOST") == "" {
		c.SMTPHost = p.Host
	}
	if os.Getenv("SMTP_PORT") == "" && p.Port != 0 {
		c.SMTPPort = p.Port
	}
	if os.Getenv("SMTP_SECURE") == "" {
		c.SMTPSecure = p.Secure
	}
	if os.Getenv("SMTP_USER") == "" {
		c.SMTPUser = p.User
	}
	c.RecommendedDelay = p.RecommendedDelay
	return nil
}
