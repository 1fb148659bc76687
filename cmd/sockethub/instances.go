package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const defaultAdminURL = "http://127.0.0.1:10551"

var instancesFlags struct {
	clientConfig
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List running platform instances",
	Long:  `List platform instances with their attached sockets and termination state.`,
	RunE:  runInstances,
}

var platformsFlags struct {
	clientConfig
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List enabled platforms",
	RunE:  runPlatforms,
}

func init() {
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(platformsCmd)

	addClientFlags(instancesCmd, &instancesFlags.clientConfig, defaultAdminURL)
	addClientFlags(platformsCmd, &platformsFlags.clientConfig, defaultAdminURL)
}

func runInstances(cmd *cobra.Command, args []string) error {
	c, err := instancesFlags.newClient(true)
	if err != nil {
		return err
	}

	resp, err := c.ListInstances(cmd.Context())
	if err != nil {
		return err
	}

	if len(resp.Instances) == 0 {
		fmt.Println("No instances running.")
		return nil
	}

	fmt.Printf("%-16s  %-10s  %-19s  %-7s  %s\n", "INSTANCE", "PLATFORM", "CREATED", "FLAGGED", "SOCKETS")
	for _, i := range resp.Instances {
		flagged := "no"
		if i.FlaggedForTermination {
			flagged = "yes"
		}
		sockets := "-"
		if len(i.Sockets) > 0 {
			sockets = strings.Join(i.Sockets, ",")
		}
		id := i.ID
		if len(id) > 16 {
			id = id[:16]
		}
		fmt.Printf("%-16s  %-10s  %-19s  %-7s  %s\n", id, i.Platform, i.CreatedAt.Local().Format("2006-01-02 15:04:05"), flagged, sockets)
	}

	return nil
}

func runPlatforms(cmd *cobra.Command, args []string) error {
	c, err := platformsFlags.newClient(true)
	if err != nil {
		return err
	}

	resp, err := c.ListPlatforms(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%-12s  %-8s  %-7s  %s\n", "PLATFORM", "VERSION", "PERSIST", "VERBS")
	for _, p := range resp.Platforms {
		fmt.Printf("%-12s  %-8s  %-7t  %s\n", p.Name, p.Version, p.Persist, strings.Join(p.Verbs, ","))
	}
	return nil
}
