package auth

import (
	"log"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

// Roles carried in the token's "role" claim.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// r = request (who, what, how)
// p = policy (who, what, how)
// g = grouping (role hierarchy)
// keyMatch2 supports URL parameters like /strategies/:name/start
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
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// defaultPolicies: viewers read, operators also start/stop/create, admin inherits operator.
var defaultPolicies = [][]string{
	{RoleViewer, "/api/*", "GET"},
	{RoleOperator, "/api/*", "(GET)|(POST)"},
}

var defaultGroupings = [][]string{
	{RoleAdmin, RoleOperator},
}

// InitCasbin initializes the enforcer. With a database the policies live in the
// casbin_rule table; without one they are kept in memory.
func InitCasbin(db *gorm.DB) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.Enforcer
	if db != nil {
		// creates casbin_rule table
		adapter, err := gormadapter.NewAdapterByDB(db)
		if err != nil {
			return nil, err
		}
		if enforcer, err = casbin.NewEnforcer(m, adapter); err != nil {
			return nil, err
		}
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else if enforcer, err = casbin.NewEnforcer(m); err != nil {
		return nil, err
	}

	policies, _ := enforcer.GetPolicy()
	if len(policies) == 0 {
		log.Println("Casbin: No policies found, initializing default viewer/operator policies...")
		if _, err := enforcer.AddPolicies(defaultPolicies); err != nil {
			return nil, err
		}
		if _, err := enforcer.AddGroupingPolicies(defaultGroupings); err != nil {
			return nil, err
		}
	}

	log.Println("Casbin initialized successfully")
	return enforcer, nil
}
