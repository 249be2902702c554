// Package seed loads a permission, role and menu catalog from YAML and
// upserts it into the RBAC store. Applying the same catalog twice leaves the
// store unchanged.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BradenHooton/keystone/internal/models"
	"gopkg.in/yaml.v3"
)

// Catalog is the document layout of a seed file.
type Catalog struct {
	Permissions []PermissionEntry `yaml:"permissions"`
	Roles       []RoleEntry       `yaml:"roles"`
	Menus       []MenuEntry       `yaml:"menus"`
}

type PermissionEntry struct {
	Code        string `yaml:"code"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

type RoleEntry struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Level       int      `yaml:"level"`
	Module      string   `yaml:"module"`
	Active      *bool    `yaml:"active"`
	Permissions []string `yaml:"permissions"`
	Menus       []string `yaml:"menus"`
}

type MenuEntry struct {
	Code      string `yaml:"code"`
	Parent    string `yaml:"parent"`
	Module    string `yaml:"module"`
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Icon      string `yaml:"icon"`
	SortOrder int    `yaml:"sort_order"`
}

// Store is the subset of the RBAC repository used for seeding.
type Store interface {
	UpsertPermission(ctx context.Context, p *models.Permission) error
	UpsertRole(ctx context.Context, role *models.Role) error
	SetRolePermissions(ctx context.Context, role string, codes []string) error
	UpsertMenu(ctx context.Context, m *models.MenuPermission) error
	SetRoleMenus(ctx context.Context, role string, codes []string) error
}

// Summary counts what Apply wrote.
type Summary struct {
	Permissions int
	Roles       int
	Menus       int
}

// LoadFile reads and validates the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a catalog and validates its cross references. Unknown keys
// are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks permission code syntax, duplicate codes, and that every
// role and menu reference points at an entry in the catalog.
func (c *Catalog) Validate() error {
	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		if _, _, _, err := models.ParsePermissionCode(p.Code); err != nil {
			return fmt.Errorf("permission %q: %w", p.Code, err)
		}
		if perms[p.Code] {
			return fmt.Errorf("permission %q declared twice", p.Code)
		}
		perms[p.Code] = true
	}

	menus := make(map[string]bool, len(c.Menus))
	for _, m := range c.Menus {
		if m.Code == "" || m.Name == "" || m.Module == "" {
			return fmt.Errorf("menu %q: code, name and module are required", m.Code)
		}
		if menus[m.Code] {
			return fmt.Errorf("menu %q declared twice", m.Code)
		}
		menus[m.Code] = true
	}
	for _, m := range c.Menus {
		if m.Parent != "" && !menus[m.Parent] {
			return fmt.Errorf("menu %q: unknown parent %q", m.Code, m.Parent)
		}
	}
	if _, err := c.menuOrder(); err != nil {
		return err
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Code == "" || r.Name == "" {
			return fmt.Errorf("role %q: code and name are required", r.Code)
		}
		if roles[r.Code] {
			return fmt.Errorf("role %q declared twice", r.Code)
		}
		roles[r.Code] = true
		for _, code := range r.Permissions {
			if !perms[code] {
				return fmt.Errorf("role %q: permission %q is not in the catalog", r.Code, code)
			}
			if r.Module != "" && !strings.HasPrefix(code, r.Module+":") {
				return fmt.Errorf("role %q: permission %q is outside module %q", r.Code, code, r.Module)
			}
		}
		for _, code := range r.Menus {
			if !menus[code] {
				return fmt.Errorf("role %q: menu %q is not in the catalog", r.Code, code)
			}
		}
	}
	return nil
}

// menuOrder returns the menus with every parent ahead of its children.
func (c *Catalog) menuOrder() ([]MenuEntry, error) {
	placed := make(map[string]bool, len(c.Menus))
	out := make([]MenuEntry, 0, len(c.Menus))
	for len(out) < len(c.Menus) {
		progressed := false
		for _, m := range c.Menus {
			if placed[m.Code] || (m.Parent != "" && !placed[m.Parent]) {
				continue
			}
			placed[m.Code] = true
			out = append(out, m)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("menu hierarchy contains a cycle")
		}
	}
	return out, nil
}

// Apply upserts permissions, then menus, then roles with their grants.
// Role grants are replaced, so a code removed from the file is revoked.
func Apply(ctx context.Context, store Store, c *Catalog, logger *slog.Logger) (Summary, error) {
	var sum Summary

	for _, entry := range c.Permissions {
		p, err := models.NewPermission(entry.Code, entry.Category, entry.Description)
		if err != nil {
			return sum, err
		}
		if err := store.UpsertPermission(ctx, p); err != nil {
			return sum, fmt.Errorf("upsert permission %s: %w", entry.Code, err)
		}
		sum.Permissions++
	}

	ordered, err := c.menuOrder()
	if err != nil {
		return sum, err
	}
	for _, entry := range ordered {
		m := &models.MenuPermission{
			Code:      entry.Code,
			Module:    entry.Module,
			Name:      entry.Name,
			Path:      entry.Path,
			Icon:      entry.Icon,
			SortOrder: entry.SortOrder,
		}
		if entry.Parent != "" {
			parent := entry.Parent
			m.ParentCode = &parent
		}
		if err := store.UpsertMenu(ctx, m); err != nil {
			return sum, fmt.Errorf("upsert menu %s: %w", entry.Code, err)
		}
		sum.Menus++
	}

	for _, entry := range c.Roles {
		role := &models.Role{
			Code:     entry.Code,
			Name:     entry.Name,
			Level:    entry.Level,
			IsActive: entry.Active == nil || *entry.Active,
		}
		if entry.Module != "" {
			module := entry.Module
			role.Module = &module
		}
		if err := store.UpsertRole(ctx, role); err != nil {
			return sum, fmt.Errorf("upsert role %s: %w", entry.Code, err)
		}
		if err := store.SetRolePermissions(ctx, entry.Code, entry.Permissions); err != nil {
			return sum, fmt.Errorf("grant permissions to %s: %w", entry.Code, err)
		}
		if err := store.SetRoleMenus(ctx, entry.Code, entry.Menus); err != nil {
			return sum, fmt.Errorf("grant menus to %s: %w", entry.Code, err)
		}
		sum.Roles++
	}

	logger.InfoContext(ctx, "catalog applied",
		slog.Int("permissions", sum.Permissions),
		slog.Int("menus", sum.Menus),
		slog.Int("roles", sum.Roles))
	return sum, nil
}
