package server

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Static tenant directory for deployments without a database, and for
// tests. One entry per hostname; several entries may share a tenant id when
// a tenant answers on more than one domain.

type tenantsFile struct {
	Version int           `yaml:"version"`
	Tenants []tenantEntry `yaml:"tenants"`
}

// tenantEntry mirrors Tenant with a pointer Active so an omitted flag reads
// as active rather than as disabled.
type tenantEntry struct {
	ID                 string `yaml:"id"`
	Domain             string `yaml:"domain"`
	Name               string `yaml:"name"`
	SubscriptionStatus string `yaml:"subscription_status"`
	Active             *bool  `yaml:"active"`
}

func loadTenants() (map[string]Tenant, error) {
	path := os.Getenv("TENANTS_PATH")
	if path == "" {
		p, err := defaultTenantsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf tenantsFile
	if err := yaml.Unmarshal(b, &tf); err != nil {
		return nil, err
	}
	if tf.Version != 1 {
		return nil, errors.New("tenants: unsupported version")
	}
	if len(tf.Tenants) == 0 {
		return nil, errors.New("tenants: empty")
	}

	m := make(map[string]Tenant, len(tf.Tenants))
	for _, e := range tf.Tenants {
		if e.Domain == "" || e.ID == "" {
			return nil, errors.New("tenants: invalid tenant")
		}
		t := Tenant{
			ID:                 e.ID,
			Domain:             e.Domain,
			Name:               e.Name,
			SubscriptionStatus: e.SubscriptionStatus,
			Active:             e.Active == nil || *e.Active,
		}
		m[t.Domain] = t
	}
	return m, nil
}

func defaultTenantsPath() (string, error) {
	path := "config/tenants.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: tenants config not found")
}
