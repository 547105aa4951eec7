/*
 * plex-relay exposes Plex's Live TV lineup to IPTV clients and relays the streams.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasduport/plex-relay/pkg/config"
	"github.com/lucasduport/plex-relay/pkg/server"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plex-relay",
	Short: "Expose Plex Live TV to IPTV clients",
	Long: `plex-relay turns Plex's free Live TV lineup into a standard IPTV source.

It serves:
- an m3u playlist whose channel URLs point back at this relay
- an XMLTV guide (epg.xml) with optional Gracenote/TMS enrichment
- the actual HLS manifests and segments, relayed from Plex with
  per-channel playback sessions managed transparently`,

	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("[plex-relay] Server is starting...")

		// Regions used when the playlist/EPG request does not name any
		regions := strings.Split(viper.GetString("regions"), ",")
		for i := range regions {
			regions[i] = strings.TrimSpace(regions[i])
		}

		// A stable client identifier keeps Plex from treating every restart
		// as a brand new device; generate one when not configured.
		clientID := viper.GetString("client-id")
		if clientID == "" {
			clientID = "plex-relay-" + uuid.NewV4().String()
			log.Printf("[plex-relay] INFO: no client-id configured, generated %s", clientID)
		}

		conf := &config.RelayConfig{
			HostConfig: &config.HostConfiguration{
				Hostname: viper.GetString("hostname"),
				Port:     viper.GetInt("port"),
			},
			AdvertisedPort:     viper.GetInt("advertised-port"),
			HTTPS:              viper.GetBool("https"),
			CustomEndpoint:     viper.GetString("custom-endpoint"),
			PlexToken:          config.CredentialString(viper.GetString("plex-token")),
			PlexAuthBase:       viper.GetString("plex-auth-base"),
			PlexEPGBase:        viper.GetString("plex-epg-base"),
			PlexStreamBase:     viper.GetString("plex-stream-base"),
			ClientID:           clientID,
			DefaultRegions:     regions,
			LineupRefresh:      time.Duration(viper.GetInt("lineup-refresh-minutes")) * time.Minute,
			SessionTimeout:     time.Duration(viper.GetInt("session-timeout-minutes")) * time.Minute,
			TokenTTL:           time.Duration(viper.GetInt("token-ttl-minutes")) * time.Minute,
			TokenRefreshMargin: time.Duration(viper.GetInt("token-refresh-margin-minutes")) * time.Minute,
			UpstreamTimeout:    time.Duration(viper.GetInt("upstream-timeout-seconds")) * time.Second,
			GuideWindow:        time.Duration(viper.GetInt("guide-hours")) * time.Hour,
			TMSFile:            viper.GetString("tms-file"),
		}

		// Use port if advertised port is not specified
		if conf.AdvertisedPort == 0 {
			conf.AdvertisedPort = conf.HostConfig.Port
		}

		server, err := server.NewServer(conf)
		if err != nil {
			log.Fatal(err)
		}

		if err := server.Serve(); err != nil {
			log.Fatal(err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is $HOME/.plex-relay.yaml)")

	// Listener configuration
	rootCmd.Flags().Int("port", 8080, "Listening port")
	rootCmd.Flags().Int("advertised-port", 0, "Port to use in generated URLs (for reverse proxy)")
	rootCmd.Flags().String("hostname", "", "Hostname to use in generated URLs")
	rootCmd.Flags().BoolP("https", "", false, "Use HTTPS for generated URLs")
	rootCmd.Flags().String("custom-endpoint", "", "Custom endpoint path prefix")

	// Plex backend
	rootCmd.Flags().String("plex-token", "", "Existing X-Plex-Token (anonymous sign-in is used when empty)")
	rootCmd.Flags().String("plex-auth-base", "https://clients.plex.tv", "Plex authentication API base URL")
	rootCmd.Flags().String("plex-epg-base", "https://epg.provider.plex.tv", "Plex lineup/guide API base URL")
	rootCmd.Flags().String("plex-stream-base", "https://epg.provider.plex.tv", "Plex manifest/segment delivery base URL")
	rootCmd.Flags().String("client-id", "", "X-Plex-Client-Identifier (generated when empty)")

	// Lineup and guide
	rootCmd.Flags().String("regions", "local", "Default region filter for playlist and EPG (csv)")
	rootCmd.Flags().Int("lineup-refresh-minutes", 5, "Lineup refresh interval")
	rootCmd.Flags().Int("guide-hours", 12, "Guide window rendered into epg.xml")
	rootCmd.Flags().String("tms-file", "", "Path to the TMS/Gracenote lookup table (JSON)")

	// Session tuning
	rootCmd.Flags().Int("session-timeout-minutes", 10, "Playback session inactivity timeout")
	rootCmd.Flags().Int("token-ttl-minutes", 240, "Assumed validity window of an acquired Plex token")
	rootCmd.Flags().Int("token-refresh-margin-minutes", 10, "Refresh tokens this close to expiry")
	rootCmd.Flags().Int("upstream-timeout-seconds", 15, "Timeout for upstream Plex requests (headers)")

	// Bind all flags to viper
	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		log.Fatal("Error binding PFlags to viper")
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory and current directory
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".plex-relay")
	}

	// Replace hyphens with underscores in environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Read environment variables
	viper.AutomaticEnv()

	// Read in config file if found
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
