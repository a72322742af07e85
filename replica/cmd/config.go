package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bftkit/statetransfer/config"
)

type configCmd struct {
	Check  configCheckCmd  `cmd:"" help:"Parse a config file and print what was read"`
	Keygen configKeygenCmd `cmd:"" help:"Create an ed25519 key for signing pruning requests"`
}

type configCheckCmd struct {
	File   string `arg:"" type:"existingfile" help:"replica config file"`
	Tuning string `type:"existingfile" help:"tuning JSON to validate"`

	out io.Writer
}

var secretKeys = map[string]bool{
	"s3-secret-key": true,
	"s3-access-key": true,
}

func (cmd *configCheckCmd) Run(ctx context.Context) error {
	w := cmd.out
	if w == nil {
		w = os.Stdout
	}

	f, err := config.ParseFile(cmd.File)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s:\n", f.Name)
	for _, k := range f.Keys() {
		values := f.Values(k)
		if secretKeys[k] {
			for i := range values {
				values[i] = "********"
			}
		}
		if len(values) == 1 {
			fmt.Fprintf(w, "  %s: %s\n", k, values[0])
			continue
		}
		fmt.Fprintf(w, "  %s:\n", k)
		for _, v := range values {
			fmt.Fprintf(w, "  - %s\n", v)
		}
	}

	if _, err := f.Value("s3-bucket-name"); err == nil {
		store, err := f.ObjectStore()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "object store: %s://%s/%s/%s (timeout %s)\n",
			strings.ToLower(store.Protocol), store.URL, store.BucketName, store.PathPrefix, store.OperationTimeout)
	}

	cp, err := f.Checkpoint()
	switch {
	case errors.Is(err, config.ErrMissingKey):
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "checkpoint: blocks %d..%d, %d digests, sources %v\n",
			cp.FirstBlock, cp.LastBlock, len(cp.Digests), cp.Sources)
	}

	keys, err := f.PublicKeys()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		fmt.Fprintf(w, "public keys: %d replicas\n", len(keys))
	}

	if cmd.Tuning != "" {
		data, err := os.ReadFile(cmd.Tuning)
		if err != nil {
			return err
		}
		t, err := config.LoadTuning(config.DefaultTuning, data)
		if err != nil {
			return err
		}
		merged, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "tuning:\n%s\n", merged)
	}
	return nil
}

type configKeygenCmd struct {
	Out string `arg:"" help:"file to write the private key seed to"`
	ID  uint16 `help:"replica id for the printed replica-public-key line"`

	out io.Writer
}

func (cmd *configKeygenCmd) Run() error {
	w := cmd.out
	if w == nil {
		w = os.Stdout
	}
	if _, err := os.Stat(cmd.Out); err == nil {
		return fmt.Errorf("%s exists", cmd.Out)
	}

	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	if err := config.WritePrivateKey(cmd.Out, key); err != nil {
		return err
	}
	fmt.Fprintf(w, "replica-public-key:\n- %d:%s\n", cmd.ID, hex.EncodeToString(pub))
	return nil
}
