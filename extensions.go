package dieselcore

import (
	vk "github.com/goki/vulkan"
)

// instanceExtensionNames lists the instance extensions the loader offers.
func instanceExtensionNames() (names []string, err error) {
	var count uint32
	if ret := vk.EnumerateInstanceExtensionProperties("", &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating instance extensions")
	}
	list := make([]vk.ExtensionProperties, count)
	if ret := vk.EnumerateInstanceExtensionProperties("", &count, list); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating instance extensions")
	}
	for i := range list {
		list[i].Deref()
		names = append(names, vk.ToString(list[i].ExtensionName[:]))
	}
	return names, nil
}

// instanceLayerNames lists the layers the loader offers.
func instanceLayerNames() (names []string, err error) {
	var count uint32
	if ret := vk.EnumerateInstanceLayerProperties(&count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating instance layers")
	}
	list := make([]vk.LayerProperties, count)
	if ret := vk.EnumerateInstanceLayerProperties(&count, list); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating instance layers")
	}
	for i := range list {
		list[i].Deref()
		names = append(names, vk.ToString(list[i].LayerName[:]))
	}
	return names, nil
}

// hasName matches a wanted name against an enumerated list, tolerating the
// trailing NUL the API carries around.
func hasName(list []string, want string) bool {
	want = trimNul(want)
	for _, n := range list {
		if trimNul(n) == want {
			return true
		}
	}
	return false
}

func trimNul(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\x00' {
		s = s[:len(s)-1]
	}
	return s
}
