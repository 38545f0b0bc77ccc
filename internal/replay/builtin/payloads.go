// Package builtin provides the stock agent/relationship/world event types.
package builtin

const (
	TypeAgentSpawn         = "agent.spawn"
	TypeAgentMove          = "agent.move"
	TypeAgentDie           = "agent.die"
	TypeAgentState         = "agent.state"
	TypeRelationshipUpdate = "relationship.update"
	TypeWorldSet           = "world.set"
)

// Capability tags understood by the stock handlers. Callers may register more.
const (
	CapMoveable   = "moveable"
	CapSocialable = "socialable"
	CapTalkable   = "talkable"
	CapTradeable  = "tradeable"
	CapEdible     = "edible"
)

type AgentSpawnV1 struct {
	Name         string         `json:"name" jsonschema:"required"`
	X            int            `json:"x"`
	Y            int            `json:"y"`
	Capabilities []string       `json:"capabilities,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// AgentMoveV1 moves the actor by (dx, dy). When the event carries coords they win and the
// move is absolute.
type AgentMoveV1 struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

type AgentDieV1 struct {
	Cause string `json:"cause,omitempty"`
}

// AgentStateV1 merges Set into the actor's state object; a null value removes the key.
type AgentStateV1 struct {
	Set map[string]any `json:"set" jsonschema:"required"`
}

// RelationshipUpdateV1 adds deltas to the actor -> target edge.
type RelationshipUpdateV1 struct {
	Affinity    float64        `json:"affinity,omitempty"`
	Trust       float64        `json:"trust,omitempty"`
	Hostility   float64        `json:"hostility,omitempty"`
	Familiarity float64        `json:"familiarity,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

type WorldSetV1 struct {
	Key   string `json:"key" jsonschema:"required"`
	Value any    `json:"value"`
}
