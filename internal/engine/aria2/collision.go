package aria2

// CollisionPolicy decides what aria2 does when the target file exists.
// Values: "error" | "overwrite" | "rename".
type CollisionPolicy string

const (
	CollisionError     CollisionPolicy = "error"
	CollisionOverwrite CollisionPolicy = "overwrite"
	CollisionRename    CollisionPolicy = "rename"
)

// ParseCollisionPolicy converts a string to a CollisionPolicy with default.
func ParseCollisionPolicy(s string) CollisionPolicy {
	switch CollisionPolicy(s) {
	case CollisionOverwrite:
		return CollisionOverwrite
	case CollisionRename:
		return CollisionRename
	}
	return CollisionError
}

// options returns the addUri options implementing p.
func (p CollisionPolicy) options() map[string]string {
	switch p {
	case CollisionOverwrite:
		return map[string]string{"allow-overwrite": "true", "auto-file-renaming": "false"}
	case CollisionRename:
		return map[string]string{"allow-overwrite": "false", "auto-file-renaming": "true"}
	}
	return map[string]string{"allow-overwrite": "false", "auto-file-renaming": "false"}
}
