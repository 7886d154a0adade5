//go:build !linux

package conio

func newNioBackend(g *Group) (backend, error) {
	return nil, configError("%s backend is only available on linux", ReadinessBackend)
}
