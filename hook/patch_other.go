//go:build !linux && !darwin

package hook

import "github.com/ZenLiuCN/leaf"

func patchCode(uintptr, []byte) error {
	return leaf.ErrUnsupportedPlatform
}
