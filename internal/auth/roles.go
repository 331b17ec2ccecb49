package auth

type Role string

type Permission string

const (
	RoleViewer     Role = "viewer"
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
)

const (
	// PermView reads status, orders, events and inventory.
	PermView Permission = "view"
	// PermOrder submits and cancels orders, and stops the machine.
	PermOrder Permission = "order"
	// PermControl resets, acknowledges, toggles maintenance and re-enables
	// components.
	PermControl Permission = "control"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer:     {PermView},
	RoleOperator:   {PermView, PermOrder},
	RoleTechnician: {PermView, PermOrder, PermControl},
}

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

func (r Role) Permissions() []Permission {
	return append([]Permission(nil), rolePermissions[r]...)
}

func (r Role) Has(p Permission) bool {
	for _, have := range rolePermissions[r] {
		if have == p {
			return true
		}
	}
	return false
}
