package seed_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	perms     map[string]*models.Permission
	roles     map[string]*models.Role
	menus     map[string]*models.MenuPermission
	menuOrder []string
	grants    map[string][]string
	roleMenus map[string][]string
	failRole  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		perms:     map[string]*models.Permission{},
		roles:     map[string]*models.Role{},
		menus:     map[string]*models.MenuPermission{},
		grants:    map[string][]string{},
		roleMenus: map[string][]string{},
	}
}

func (m *memoryStore) UpsertPermission(ctx context.Context, p *models.Permission) error {
	m.perms[p.Code] = p
	return nil
}

func (m *memoryStore) UpsertRole(ctx context.Context, role *models.Role) error {
	if role.Code == m.failRole {
		return models.ErrPersistenceFailed
	}
	m.roles[role.Code] = role
	return nil
}

func (m *memoryStore) SetRolePermissions(ctx context.Context, role string, codes []string) error {
	m.grants[role] = codes
	return nil
}

func (m *memoryStore) UpsertMenu(ctx context.Context, menu *models.MenuPermission) error {
	if menu.ParentCode != nil {
		if _, ok := m.menus[*menu.ParentCode]; !ok {
			return errors.New("parent menu missing")
		}
	}
	if _, seen := m.menus[menu.Code]; !seen {
		m.menuOrder = append(m.menuOrder, menu.Code)
	}
	m.menus[menu.Code] = menu
	return nil
}

func (m *memoryStore) SetRoleMenus(ctx context.Context, role string, codes []string) error {
	m.roleMenus[role] = codes
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFile_SampleCatalog(t *testing.T) {
	c, err := seed.LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)

	assert.Len(t, c.Permissions, 9)
	assert.Len(t, c.Menus, 4)
	assert.Len(t, c.Roles, 5)
}

func TestApply(t *testing.T) {
	c, err := seed.LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)
	store := newMemoryStore()

	sum, err := seed.Apply(context.Background(), store, c, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, seed.Summary{Permissions: 9, Roles: 5, Menus: 4}, sum)

	p := store.perms["inventory:report:export"]
	require.NotNil(t, p)
	assert.Equal(t, "inventory", p.Module)
	assert.Equal(t, "report", p.Resource)
	assert.Equal(t, "export", p.Action)

	viewer := store.roles["inventory_viewer"]
	require.NotNil(t, viewer)
	require.NotNil(t, viewer.Module)
	assert.Equal(t, "inventory", *viewer.Module)
	assert.True(t, viewer.IsActive)
	assert.Nil(t, store.roles["super_admin"].Module)

	assert.Equal(t, []string{"inventory:item:read"}, store.grants["inventory_viewer"])
	assert.Empty(t, store.grants["super_admin"])
	assert.Equal(t, []string{"admin", "admin.roles"}, store.roleMenus["user_admin"])
}

func TestApply_IsIdempotent(t *testing.T) {
	c, err := seed.LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)
	store := newMemoryStore()

	_, err = seed.Apply(context.Background(), store, c, discardLogger())
	require.NoError(t, err)
	_, err = seed.Apply(context.Background(), store, c, discardLogger())
	require.NoError(t, err)

	assert.Len(t, store.perms, 9)
	assert.Len(t, store.roles, 5)
	assert.Len(t, store.menuOrder, 4)
}

func TestApply_ParentsBeforeChildren(t *testing.T) {
	c, err := seed.Parse(strings.NewReader(`
menus:
  - {code: leaf, parent: mid, module: m, name: Leaf}
  - {code: mid, parent: root, module: m, name: Mid}
  - {code: root, module: m, name: Root}
`))
	require.NoError(t, err)
	store := newMemoryStore()

	_, err = seed.Apply(context.Background(), store, c, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "mid", "leaf"}, store.menuOrder)
}

func TestApply_StopsOnStoreError(t *testing.T) {
	c, err := seed.LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)
	store := newMemoryStore()
	store.failRole = "user_admin"

	sum, err := seed.Apply(context.Background(), store, c, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPersistenceFailed)
	assert.Equal(t, 2, sum.Roles)
}

func TestApply_InactiveRole(t *testing.T) {
	c, err := seed.Parse(strings.NewReader(`
roles:
  - {code: retired, name: Retired, active: false}
`))
	require.NoError(t, err)
	store := newMemoryStore()

	_, err = seed.Apply(context.Background(), store, c, discardLogger())
	require.NoError(t, err)
	assert.False(t, store.roles["retired"].IsActive)
}

func TestParse_Empty(t *testing.T) {
	c, err := seed.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, c.Permissions)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "bad permission code",
			doc:  "permissions: [{code: 'inventory:item'}]",
			want: "permission \"inventory:item\"",
		},
		{
			name: "duplicate permission",
			doc:  "permissions: [{code: 'a:b:c'}, {code: 'a:b:c'}]",
			want: "declared twice",
		},
		{
			name: "unknown field",
			doc:  "permissions: [{code: 'a:b:c', scope: x}]",
			want: "decode catalog",
		},
		{
			name: "role grants unknown permission",
			doc:  "roles: [{code: r, name: R, permissions: ['a:b:c']}]",
			want: "is not in the catalog",
		},
		{
			name: "module role grants foreign permission",
			doc: `
permissions: [{code: 'billing:invoice:read'}]
roles: [{code: r, name: R, module: inventory, permissions: ['billing:invoice:read']}]`,
			want: "outside module",
		},
		{
			name: "role without name",
			doc:  "roles: [{code: r}]",
			want: "code and name are required",
		},
		{
			name: "unknown menu parent",
			doc:  "menus: [{code: a, parent: missing, module: m, name: A}]",
			want: "unknown parent",
		},
		{
			name: "menu cycle",
			doc: `
menus:
  - {code: a, parent: b, module: m, name: A}
  - {code: b, parent: a, module: m, name: B}`,
			want: "cycle",
		},
		{
			name: "role grants unknown menu",
			doc:  "roles: [{code: r, name: R, menus: [nowhere]}]",
			want: "menu \"nowhere\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := seed.Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
