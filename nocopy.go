package conio

// noCopy marks a struct that must not be copied after first use;
// go vet's copylocks check recognizes the Lock/Unlock pair.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
