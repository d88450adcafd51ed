package schema

const vector3 = `{
	"type": "object",
	"properties": {
		"x": {"type": "number"},
		"y": {"type": "number"},
		"z": {"type": "number"}
	}
}`

const quaternion = `{
	"type": "object",
	"properties": {
		"x": {"type": "number"},
		"y": {"type": "number"},
		"z": {"type": "number"},
		"w": {"type": "number"}
	}
}`

const pose = `{
	"type": "object",
	"required": ["position", "orientation"],
	"properties": {
		"position": ` + vector3 + `,
		"orientation": ` + quaternion + `
	}
}`

const twist = `{
	"type": "object",
	"properties": {
		"linear": ` + vector3 + `,
		"angular": ` + vector3 + `
	}
}`

const armGoal = `{
	"type": "object",
	"required": ["group_name", "x", "y", "z", "roll", "pitch", "yaw"],
	"properties": {
		"group_name": {"type": "string", "minLength": 1},
		"x": {"type": "number"},
		"y": {"type": "number"},
		"z": {"type": "number"},
		"roll": {"type": "number"},
		"pitch": {"type": "number"},
		"yaw": {"type": "number"},
		"cartesian_path": {"type": "boolean"}
	}
}`

// builtinDocuments pin only the fields the SDK reads or writes; any
// additional fields are allowed.
var builtinDocuments = map[string]string{
	Odometry: `{
		"type": "object",
		"required": ["pose"],
		"properties": {
			"pose": {
				"type": "object",
				"required": ["pose"],
				"properties": {"pose": ` + pose + `}
			},
			"twist": {
				"type": "object",
				"properties": {"twist": ` + twist + `}
			}
		}
	}`,

	Twist: twist,

	JointState: `{
		"type": "object",
		"properties": {
			"name": {"type": "array", "items": {"type": "string"}},
			"position": {"type": "array"},
			"velocity": {"type": "array"},
			"effort": {"type": "array"}
		}
	}`,

	NavigateToPose: `{
		"type": "object",
		"required": ["pose"],
		"properties": {
			"pose": {
				"type": "object",
				"required": ["header", "pose"],
				"properties": {
					"header": {
						"type": "object",
						"required": ["frame_id"],
						"properties": {"frame_id": {"type": "string"}}
					},
					"pose": ` + pose + `
				}
			}
		}
	}`,

	GoToHome: `{
		"type": "object",
		"required": ["group_name"],
		"properties": {"group_name": {"type": "string", "minLength": 1}}
	}`,

	ControlGripper: `{
		"type": "object",
		"required": ["group_name", "position"],
		"properties": {
			"group_name": {"type": "string", "minLength": 1},
			"position": {"type": "number"}
		}
	}`,

	GoToPose:         armGoal,
	GoToPoseRelative: armGoal,
}
