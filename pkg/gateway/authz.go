package gateway

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Objects and actions checked by the authorizer
const (
	ObjectControl = "control"
	ObjectLogs    = "logs"
	ObjectMetrics = "metrics"
	ObjectProxy   = "proxy"

	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Each role inherits everything granted to the role below it
var rolePolicies = [][]string{
	{string(RoleReadOnly), ObjectLogs, ActionRead},
	{string(RoleReadOnly), ObjectMetrics, ActionRead},
	{string(RoleReadOnly), ObjectProxy, ActionRead},

	{string(RoleRestrictedWorker), ObjectLogs, ActionWrite},
	{string(RoleRestrictedWorker), ObjectProxy, ActionWrite},

	{string(RoleFullControl), ObjectControl, ActionRead},
	{string(RoleFullControl), ObjectControl, ActionWrite},
	{string(RoleFullControl), ObjectLogs, ActionAdmin},
}

var roleHierarchy = [][]string{
	{string(RoleRestrictedWorker), string(RoleReadOnly)},
	{string(RoleFullControl), string(RoleRestrictedWorker)},
}

// Authorizer decides what a role may do
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	for _, rule := range rolePolicies {
		if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return nil, fmt.Errorf("failed to add policy %v: %w", rule, err)
		}
	}
	for _, rule := range roleHierarchy {
		if _, err := enforcer.AddGroupingPolicy(rule[0], rule[1]); err != nil {
			return nil, fmt.Errorf("failed to add grouping policy %v: %w", rule, err)
		}
	}

	return &Authorizer{enforcer: enforcer}, nil
}

func (a *Authorizer) Allowed(role Role, object, action string) (bool, error) {
	allowed, err := a.enforcer.Enforce(string(role), object, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	return allowed, nil
}
