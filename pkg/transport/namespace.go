package transport

import "strings"

// ApplyNamespace joins namespace and name into an absolute resource path.
//
//	ApplyNamespace("odom", "")          == "/odom"
//	ApplyNamespace("/odom", "robot1")   == "/robot1/odom"
//	ApplyNamespace("cmd_vel", "/a/b/")  == "/a/b/cmd_vel"
func ApplyNamespace(name, namespace string) string {
	name = strings.Trim(name, "/")
	ns := strings.Trim(namespace, "/")
	if ns == "" {
		return "/" + name
	}
	return "/" + ns + "/" + name
}

// OverlayKey converts a topic path into an overlay key by stripping the
// leading path separator.
func OverlayKey(topic string) string {
	return strings.TrimLeft(topic, "/")
}
