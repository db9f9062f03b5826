// Print random channel key in dotenv format, ready for key_file.
package keygen

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/nestwatch/cmd/nestwatch/subcmd"
	"github.com/temoto/nestwatch/internal/config"
	"github.com/temoto/nestwatch/log2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var Mod = subcmd.Mod{Name: "keygen", Usage: "print new random channel key", Main: Main}

func Main(ctx context.Context, log *log2.Log, _ *config.Config, args []string) error {
	flagset := flag.NewFlagSet("keygen", flag.ContinueOnError)
	flagLength := flagset.Int("length", 32, "key length: 16, 24 or 32")
	flagName := flagset.String("name", config.DefaultKeyEnv, "variable name")
	if err := flagset.Parse(args); err != nil {
		return errors.Annotate(err, "keygen flags")
	}
	key, err := Generate(rand.Reader, *flagLength)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s=%s\n", *flagName, key)
	return errors.Trace(err)
}

// Generate returns key of printable characters, safe for dotenv without quotes.
func Generate(r io.Reader, length int) (string, error) {
	switch length {
	case 16, 24, 32:
	default:
		return "", errors.NotValidf("key length=%d, must be 16, 24 or 32", length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errors.Annotate(err, "random")
	}
	// modulo bias: first 256%62 characters are slightly more likely
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b), nil
}
