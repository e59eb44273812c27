package authz

// Role slugs, in descending capability order. The owner > admin > member
// hierarchy lives in the policy file as g-rules; code only names the slugs.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleMember    = "member"
	RoleAnonymous = "anonymous"

	// RoleOperator is the platform console role. It is never granted to
	// tenant principals.
	RoleOperator = "operator"
)

// DomainGlobal is the casbin domain for platform-level objects that do not
// belong to any tenant.
const DomainGlobal = "global"

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const (
	ObjectClients        = "crm.clients"
	ObjectProjects       = "crm.projects"
	ObjectInvoices       = "crm.invoices"
	ObjectPlan           = "crm.plan"
	ObjectAudit          = "crm.audit"
	ObjectTenantSettings = "crm.tenant-settings"
)

// Platform console objects.
const (
	ObjectOpsSession = "ops.session"
	ObjectOpsTenants = "ops.tenants"
)
