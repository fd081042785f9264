package policy

import "strings"

// Role is the caller's position in the care organisation.
type Role string

const (
	// RoleOwner is the top-level administrative role. It bypasses the
	// permission table; the bypass itself is audited as an administrative
	// override so it stays visible in the ledger.
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleDoctor   Role = "DOCTOR"
	RoleNurse    Role = "NURSE"
	RoleSupport  Role = "SUPPORT"
	RoleCustomer Role = "CUSTOMER"
)

// AllRoles lists every defined role; the permission table is total over it.
var AllRoles = []Role{RoleOwner, RoleAdmin, RoleDoctor, RoleNurse, RoleSupport, RoleCustomer}

// ParseRole normalises a transport-supplied role string. Unknown roles map
// to the empty Role, which holds no permissions.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleOwner:
		return RoleOwner
	case RoleAdmin:
		return RoleAdmin
	case RoleDoctor:
		return RoleDoctor
	case RoleNurse:
		return RoleNurse
	case RoleSupport:
		return RoleSupport
	case RoleCustomer:
		return RoleCustomer
	default:
		return ""
	}
}

// Scope bounds how far a permission reaches.
type Scope string

const (
	ScopeOwn        Scope = "OWN"
	ScopeAssigned   Scope = "ASSIGNED"
	ScopeDepartment Scope = "DEPARTMENT"
	ScopeOrg        Scope = "ORG"
	ScopeSystem     Scope = "SYSTEM"
)

// Resource types gated by the decision engine.
const (
	ResourcePatientData  = "PATIENT_DATA"
	ResourceFinancial    = "FINANCIAL"
	ResourceDocument     = "DOCUMENT"
	ResourceConversation = "CONVERSATION"
	ResourceInstance     = "INSTANCE"
)

// Permission keys. Callers pass these as required permissions into Decide.
const (
	PermPatientDataRead   = "patient_data.read"
	PermPatientDataWrite  = "patient_data.write"
	PermPatientDataExport = "patient_data.export"
	PermFinancialRead     = "financial.read"
	PermFinancialManage   = "financial.manage"
	PermDocumentRead      = "document.read"
	PermDocumentWrite     = "document.write"
	PermConversationRead  = "conversation.read"
	PermConversationWrite = "conversation.write"
	PermInstanceManage    = "instance.manage"
	PermUserManage        = "user.manage"
	PermAuditRead         = "audit.read"
	PermAlertManage       = "alert.manage"
	PermComplianceRead    = "compliance.read"
)

// AllPermissions enumerates the catalog for totality checks.
var AllPermissions = []string{
	PermPatientDataRead, PermPatientDataWrite, PermPatientDataExport,
	PermFinancialRead, PermFinancialManage,
	PermDocumentRead, PermDocumentWrite,
	PermConversationRead, PermConversationWrite,
	PermInstanceManage, PermUserManage,
	PermAuditRead, PermAlertManage, PermComplianceRead,
}

// rolePermissions is the policy table: role -> permission -> scope. Every
// (role, permission) pair has a defined answer; absence means denied.
var rolePermissions = map[Role]map[string]Scope{
	RoleOwner: {
		PermPatientDataRead: ScopeSystem, PermPatientDataWrite: ScopeSystem, PermPatientDataExport: ScopeSystem,
		PermFinancialRead: ScopeSystem, PermFinancialManage: ScopeSystem,
		PermDocumentRead: ScopeSystem, PermDocumentWrite: ScopeSystem,
		PermConversationRead: ScopeSystem, PermConversationWrite: ScopeSystem,
		PermInstanceManage: ScopeSystem, PermUserManage: ScopeSystem,
		PermAuditRead: ScopeSystem, PermAlertManage: ScopeSystem, PermComplianceRead: ScopeSystem,
	},
	RoleAdmin: {
		PermPatientDataRead: ScopeOrg, PermPatientDataWrite: ScopeOrg,
		PermDocumentRead: ScopeOrg, PermDocumentWrite: ScopeOrg,
		PermConversationRead: ScopeOrg,
		PermInstanceManage:   ScopeOrg,
		PermUserManage:       ScopeOrg,
		PermAuditRead:        ScopeOrg, PermAlertManage: ScopeOrg, PermComplianceRead: ScopeOrg,
	},
	RoleDoctor: {
		PermPatientDataRead: ScopeAssigned, PermPatientDataWrite: ScopeAssigned,
		PermDocumentRead: ScopeAssigned, PermDocumentWrite: ScopeAssigned,
		PermConversationRead: ScopeAssigned, PermConversationWrite: ScopeAssigned,
	},
	RoleNurse: {
		PermPatientDataRead:  ScopeDepartment,
		PermDocumentRead:     ScopeDepartment,
		PermConversationRead: ScopeDepartment,
	},
	RoleSupport: {
		PermPatientDataRead:  ScopeOrg,
		PermDocumentRead:     ScopeOrg,
		PermConversationRead: ScopeOrg,
	},
	RoleCustomer: {
		PermPatientDataRead: ScopeOwn, PermPatientDataExport: ScopeOwn,
		PermDocumentRead: ScopeOwn, PermDocumentWrite: ScopeOwn,
		PermConversationRead: ScopeOwn, PermConversationWrite: ScopeOwn,
	},
}

// HasPermission answers whether the role holds the permission. Defined for
// every (role, permission) pair including unknown inputs, which are denied.
func HasPermission(role Role, perm string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = perms[perm]
	return ok
}

// PermissionScope reports the scope a role holds a permission at.
func PermissionScope(role Role, perm string) (Scope, bool) {
	perms, ok := rolePermissions[role]
	if !ok {
		return "", false
	}
	scope, ok := perms[perm]
	return scope, ok
}
