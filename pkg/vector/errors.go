package vector

import "fmt"

func errUnknownProvider(name string) error {
	return fmt.Errorf("unknown vector provider %q (supported: chromem, qdrant)", name)
}
