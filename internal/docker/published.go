package docker

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/container"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// ReservedSource labels ports that came from Docker in the probe's reserved set.
const ReservedSource = "docker"

// PublishedPorts returns the TCP host ports published by every container on
// the daemon, running or stopped, sorted and without duplicates.
//
// Stopped containers are included on purpose: their ports are free at the
// socket level now but will be claimed again on the next start.
func PublishedPorts(ctx context.Context, cli *Client) ([]int, error) {
	containers, err := cli.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}
	return publishedTCPPorts(containers), nil
}

// publishedTCPPorts extracts host-side TCP ports from container summaries.
// Unpublished ports (PublicPort 0) and UDP mappings are skipped. A port
// published on both IPv4 and IPv6 appears once.
func publishedTCPPorts(containers []container.Summary) []int {
	seen := make(map[int]struct{})
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			if p.Type != "" && p.Type != "tcp" {
				continue
			}
			seen[int(p.PublicPort)] = struct{}{}
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
