package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/models"
	"github.com/rescale/rescale-fetch/internal/progress"
)

type sealOptions struct {
	blockDataSize  int64
	fileHeaderSize int64
	remoteURL      string
	descriptorOut  string
	quiet          bool
}

func newSealCmd(a *app) *cobra.Command {
	var opts sealOptions

	cmd := &cobra.Command{
		Use:   "seal <input> <container>",
		Short: "Encrypt a file into a framed container",
		Long: `Encrypt a plain file into a framed container with a fresh data key and
write the matching descriptor.

The descriptor carries the data key, so treat it like a secret. Its remote URL
is --url, or the container name under https://storage.invalid/ when unset.

Example:
  rescale-fetch seal results.tar results.tar.enc --url https://bucket.example.com/results.tar.enc --descriptor-out results.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(cmd, args[0], args[1], opts)
		},
	}

	cmd.Flags().Int64Var(&opts.blockDataSize, "block-size", 64*1024, "Plaintext bytes per block")
	cmd.Flags().Int64Var(&opts.fileHeaderSize, "header-size", encryption.HeaderMinSize, "Container header size")
	cmd.Flags().StringVar(&opts.remoteURL, "url", "", "Remote URL recorded in the descriptor")
	cmd.Flags().StringVar(&opts.descriptorOut, "descriptor-out", "", "Write the descriptor here instead of stdout")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not show progress")

	return cmd
}

func runSeal(cmd *cobra.Command, input, output string, opts sealOptions) error {
	logger := GetLogger()

	framing := encryption.Framing{
		Mode:            encryption.ModeFramed,
		BlockDataSize:   opts.blockDataSize,
		BlockHeaderSize: encryption.TagSize,
		FileHeaderSize:  opts.fileHeaderSize,
	}
	if err := encryption.ValidateFraming(framing); err != nil {
		return fmt.Errorf("invalid framing: %w", err)
	}

	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		return errors.New("input is a directory")
	}

	key, err := encryption.GenerateKey()
	if err != nil {
		return err
	}
	nonce, err := encryption.GenerateNonce()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	var reporter progress.Reporter = progress.NoOpProgress{}
	if !opts.quiet {
		reporter = progress.NewCLIProgress(cmd.ErrOrStderr())
	}
	reporter.Start(info.Size(), "Sealing "+filepath.Base(input))

	written, err := encryption.SealStream(out, progress.NewProgressReader(in, reporter), key, nonce, framing)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		reporter.Error(err)
		_ = os.Remove(output)
		return err
	}
	reporter.Finish()

	if want := encryption.EncryptedSize(info.Size(), framing); written != want {
		return fmt.Errorf("container size %d does not match expected %d", written, want)
	}
	logger.Info().Str("container", output).Int64("bytes", written).Msg("Container sealed")

	remote := opts.remoteURL
	if remote == "" {
		remote = "https://storage.invalid/" + url.PathEscape(filepath.Base(output))
	}
	desc := models.Descriptor{
		Remote: models.Remote{URL: remote},
		Meta: models.Meta{
			Size:            info.Size(),
			FileName:        filepath.Base(input),
			Encryption:      string(encryption.ModeFramed),
			BlockHeaderSize: framing.BlockHeaderSize,
			BlockDataSize:   framing.BlockDataSize,
			FileHeaderSize:  framing.FileHeaderSize,
			DataKeyBase64:   encryption.EncodeBase64(key),
		},
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if opts.descriptorOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.descriptorOut, data, 0o600); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Descriptor written to %s\n", opts.descriptorOut)
	return nil
}
