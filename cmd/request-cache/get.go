package main

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGetCommand() *cobra.Command {
	var skipCache bool
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Get a URL through the cache and print the body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			acache := openCache(config)
			defer acache.Close()

			opts := config.options(args[0])
			opts.SkipCache = skipCache
			res, cs, err := fetchCached(cmd.Context(), acache, newOriginClient(), args[0], opts)
			if err != nil {
				return err
			}
			if res == nil {
				return errors.Newf("no response from %s", args[0])
			}
			log.Debug().Str("url", args[0]).Int("status", res.StatusCode).Str("cache-status", cs.String()).Msg("Got response")
			if _, err := cmd.OutOrStdout().Write(res.Body); err != nil {
				return err
			}
			if res.StatusCode >= http.StatusBadRequest {
				return errors.Newf("%s: %d %s", args[0], res.StatusCode, http.StatusText(res.StatusCode))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "Refetch and replace the stored response")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <url>",
		Short: "Remove the stored response for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			acache := openCache(config)
			defer acache.Close()

			purged, err := acache.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if purged {
				log.Info().Str("url", args[0]).Msg("Purged")
			} else {
				log.Info().Str("url", args[0]).Msg("Nothing stored")
			}
			return nil
		},
	}
}
