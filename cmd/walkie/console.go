package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/walkie/internal/app"
	"github.com/1ureka/walkie/internal/channel"
	"github.com/1ureka/walkie/internal/util"
)

type commandKind int

const (
	cmdTalk commandKind = iota
	cmdList
	cmdRelay
	cmdName
	cmdHelp
	cmdQuit
)

type command struct {
	kind    commandKind
	channel string // cmdRelay; empty selects the first channel
	id      int    // cmdRelay
	name    string // cmdName
}

var errUsage = errors.New("unknown command, type h for help")

// parseCommand reads one console line:
//
//	t                     toggle push-to-talk
//	l                     list stations
//	r <id> [channel]      toggle relay to a station
//	n <name>              rename this station
//	h                     help
//	q                     quit
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	switch fields[0] {
	case "t":
		return command{kind: cmdTalk}, nil
	case "l":
		return command{kind: cmdList}, nil
	case "h", "?":
		return command{kind: cmdHelp}, nil
	case "q":
		return command{kind: cmdQuit}, nil
	case "n":
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "n"))
		if name == "" {
			return command{}, errors.New("usage: n <name>")
		}
		return command{kind: cmdName, name: name}, nil
	case "r":
		if len(fields) < 2 {
			return command{}, errors.New("usage: r <id> [channel]")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid station id %q", fields[1])
		}
		cmd := command{kind: cmdRelay, id: id}
		if len(fields) > 2 {
			cmd.channel = strings.Join(fields[2:], " ")
		}
		return cmd, nil
	}
	return command{}, errUsage
}

func printHelp() {
	pterm.Println("Commands: t talk on/off | l list | r <id> [channel] relay | n <name> rename | q quit")
	pterm.Println()
}

// console reads commands from stdin until q, EOF or ctx ends.
func console(ctx context.Context, svc *app.Service) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if cmd.kind == cmdQuit {
				return
			}
			execute(svc, cmd)
		}
	}
}

func execute(svc *app.Service, cmd command) {
	switch cmd.kind {
	case cmdTalk:
		on := !svc.Talking()
		svc.Talk(on)
		if on {
			util.LogInfo("talking… (t to stop)")
		} else {
			util.LogInfo("over")
		}

	case cmdList:
		printStations(svc)

	case cmdRelay:
		ch := svc.Channels()[0]
		if cmd.channel != "" {
			ch = svc.Channel(cmd.channel)
		}
		if ch == nil {
			util.LogWarning("no channel %q", cmd.channel)
			return
		}
		relay := false
		for _, st := range ch.Stations() {
			if st.ID == cmd.id {
				relay = !st.Relay
			}
		}
		if !svc.SetRelay(ch.Name(), cmd.id, relay) {
			util.LogWarning("[%s] no station %d", ch.Name(), cmd.id)
			return
		}
		util.LogInfo("[%s] relay to station %d: %v (%d relaying)", ch.Name(), cmd.id, relay, svc.Relaying())

	case cmdName:
		svc.SetStationName(cmd.name)
		util.LogInfo("station renamed to %q", cmd.name)

	case cmdHelp:
		printHelp()
	}
}

func printStations(svc *app.Service) {
	data := pterm.TableData{{"Channel", "ID", "Station", "Address", "Dir", "RTT", "TX", "Relay"}}
	for _, ch := range svc.Channels() {
		for _, st := range ch.Stations() {
			data = append(data, stationRow(ch.Name(), st))
		}
	}
	if len(data) == 1 {
		util.LogInfo("no stations yet")
		return
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		util.LogError("%v", err)
	}
}

func stationRow(channelName string, st channel.Station) []string {
	dir := "in"
	if st.Outbound {
		dir = "out"
	}
	tx := ""
	if st.Transmitting {
		tx = "●"
	}
	relay := ""
	if st.Relay {
		relay = "on"
	}
	return []string{
		channelName,
		strconv.Itoa(st.ID),
		st.Name,
		st.Addr,
		dir,
		fmt.Sprintf("%d ms", st.RoundTrip),
		tx,
		relay,
	}
}
