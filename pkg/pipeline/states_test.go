package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"appforge/pkg/agent"
	"appforge/pkg/proto"
)

func TestRoleForWorkingStates(t *testing.T) {
	cases := []struct {
		state proto.State
		role  proto.Role
	}{
		{proto.StatePlanning, proto.RolePlanner},
		{proto.StateCoding, proto.RoleCoder},
		{proto.StateReviewing, proto.RoleReviewer},
		{proto.StateTesting, proto.RoleTester},
		{proto.StateFixing, proto.RoleFixer},
		{proto.StatePending, ""},
		{proto.StateComplete, ""},
		{proto.StateFailed, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.role, roleFor(tc.state), "state %s", tc.state)
	}
}

func TestClientForEveryWorkingState(t *testing.T) {
	c := Clients{
		Planner:  agent.NewScriptedClient(),
		Coder:    agent.NewScriptedClient(),
		Reviewer: agent.NewScriptedClient(),
		Tester:   agent.NewScriptedClient(),
	}
	// Each working state resolves to a client. The fixer shares the
	// coder's and the triager the reviewer's.
	assert.Same(t, c.Planner, c.forRole(roleFor(proto.StatePlanning)))
	assert.Same(t, c.Coder, c.forRole(roleFor(proto.StateCoding)))
	assert.Same(t, c.Reviewer, c.forRole(roleFor(proto.StateReviewing)))
	assert.Same(t, c.Tester, c.forRole(roleFor(proto.StateTesting)))
	assert.Same(t, c.Coder, c.forRole(roleFor(proto.StateFixing)))
	assert.Same(t, c.Reviewer, c.forRole(proto.RoleTriager))
	assert.Nil(t, c.forRole(""))
}
