package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"lanternbase.com/lantern/api"
	"lanternbase.com/lantern/realtime"
)

const LanternCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Lantern control.

The default urls are:
    api_url: https://api.lanternbase.com
    realtime_url: wss://realtime.lanternbase.com

Usage:
    lanternctl login [--api_url=<api_url>]
        --email=<email>
        [--password=<password>]
    lanternctl tail [--realtime_url=<realtime_url>] --jwt=<jwt>
        --channel=<channel>
        [--schema=<schema>] [--table=<table>] [--filter=<filter>]
        [--broadcast=<event>]
    lanternctl publish [--realtime_url=<realtime_url>] --jwt=<jwt>
        --channel=<channel>
        --event=<event>
        [<message>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --email=<email>
    --password=<password>    Prompted when omitted.
    --jwt=<jwt>              Your platform JWT.
    --channel=<channel>      Channel name.
    --schema=<schema>        Change feed schema [default: public].
    --table=<table>          Change feed table.
    --filter=<filter>        Change feed predicate, e.g. user_id=eq.U1.
    --broadcast=<event>      Broadcast event name to listen for.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LanternCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(opts)
	}
}

func login(opts docopt.Opts) {
	apiUrl := "https://api.lanternbase.com"
	if apiUrl_, err := opts.String("--api_url"); err == nil {
		apiUrl = apiUrl_
	}
	email, _ := opts.String("--email")
	password, err := opts.String("--password")
	if err != nil {
		fmt.Fprint(os.Stderr, "password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(passwordBytes)
	}

	lanternApi := api.NewLanternApi(apiUrl)
	defer lanternApi.Close()

	result, err := lanternApi.AuthLoginWithPasswordSync(&api.AuthLoginWithPasswordArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("Login error: %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("Login error: %s", result.Error.Message)
	}
	Out.Printf("%s", result.Network.ByJwt)
}

func realtimeClient(opts docopt.Opts) *realtime.Client {
	realtimeUrl := "wss://realtime.lanternbase.com"
	if realtimeUrl_, err := opts.String("--realtime_url"); err == nil {
		realtimeUrl = realtimeUrl_
	}
	jwt, _ := opts.String("--jwt")

	return realtime.NewClientWithDefaults(
		context.Background(),
		realtimeUrl,
		func() string {
			return jwt
		},
	)
}

func tail(opts docopt.Opts) {
	client := realtimeClient(opts)
	defer client.Disconnect()

	channelName, _ := opts.String("--channel")
	channel := client.Channel(channelName)

	if table, err := opts.String("--table"); err == nil {
		schema, _ := opts.String("--schema")
		filter := realtime.ChangeFilter{
			Schema: schema,
			Table:  table,
		}
		if predicate, err := opts.String("--filter"); err == nil {
			filter.Predicate = predicate
		}
		printChange := func(event *realtime.ChangeEvent) {
			record := event.NewRecord
			if event.Kind == realtime.ChangeDelete {
				record = event.OldRecord
			}
			Out.Printf("%s %s.%s %s", event.Kind, event.Schema, event.Table, string(record))
		}
		for _, register := range []func(realtime.ChangeFilter, realtime.ChangeCallback) error{
			channel.OnInsert,
			channel.OnUpdate,
			channel.OnDelete,
		} {
			if err := register(filter, printChange); err != nil {
				Err.Fatalf("Listener error: %s", err)
			}
		}
	}

	if broadcastEvent, err := opts.String("--broadcast"); err == nil {
		err := channel.OnBroadcast(broadcastEvent, func(event *realtime.BroadcastEvent) {
			Out.Printf("broadcast %s %s", event.Event, string(event.Payload))
		})
		if err != nil {
			Err.Fatalf("Listener error: %s", err)
		}
	}

	channel.OnError(func(err error) {
		Err.Printf("Channel error: %s", err)
	})

	if err := client.Connect(); err != nil {
		Err.Fatalf("Connect error: %s", err)
	}
	if err := channel.Subscribe(context.Background(), true); err != nil {
		Err.Fatalf("Subscribe error: %s", err)
	}
	Out.Printf("subscribed %s", channelName)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	channel.Unsubscribe()
}

func publish(opts docopt.Opts) {
	client := realtimeClient(opts)
	defer client.Disconnect()

	channelName, _ := opts.String("--channel")
	event, _ := opts.String("--event")
	message, _ := opts.String("<message>")

	var payload any
	if message != "" {
		if err := json.Unmarshal([]byte(message), &payload); err != nil {
			// not json. send as a plain string
			payload = message
		}
	}

	if err := client.Connect(); err != nil {
		Err.Fatalf("Connect error: %s", err)
	}
	channel := client.Channel(channelName)
	if err := channel.Publish(event, payload); err != nil {
		Err.Fatalf("Publish error: %s", err)
	}
	Out.Printf("published %s %s", channelName, event)
}
