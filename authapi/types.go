package authapi

import "github.com/MrEthical07/goAuthClient/permission"

type loginRequest struct {
	DNI      string `json:"dni"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Profile is the subset of GET /usuarios/me the client relies on.
type Profile struct {
	ID     int    `json:"id,omitempty"`
	DNI    string `json:"dni,omitempty"`
	Nombre string `json:"nombre,omitempty"`
	Rol    Role   `json:"rol"`
}

// Role is the profile's role with its granted permissions.
type Role struct {
	Nombre   string           `json:"nombre"`
	Permisos []RolePermission `json:"permisos"`
}

// RolePermission is one granted action on a resource.
type RolePermission struct {
	Recurso Resource `json:"recurso"`
	Accion  string   `json:"accion"`
}

// Resource is a protected resource and the module it belongs to.
type Resource struct {
	Nombre string `json:"nombre"`
	Modulo Module `json:"modulo"`
}

// Module groups resources.
type Module struct {
	Nombre string `json:"nombre"`
}

// RoleName returns the role name, empty if absent.
func (p Profile) RoleName() string {
	return p.Rol.Nombre
}

// Snapshot flattens the role permissions into a set.
func (p Profile) Snapshot() permission.Snapshot {
	grants := make([]permission.Grant, 0, len(p.Rol.Permisos))
	for _, rp := range p.Rol.Permisos {
		grants = append(grants, permission.Grant{
			Module:   rp.Recurso.Modulo.Nombre,
			Resource: rp.Recurso.Nombre,
			Action:   rp.Accion,
		})
	}
	return permission.NewSnapshot(grants...)
}
