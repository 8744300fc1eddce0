package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/conductor"
	"satchel/messaging/envelope"
	"satchel/transport"
)

func main() {
	// Various aspects of this application require global and local settings.
	// To keep things clean and tidy we put these settings in a Viper
	// configuration.
	conf := viper.New()
	actors.InitConfig(conf)
	actors.SetConfig(conf)

	fmt.Println("CURRENT CONFIG")
	for k, v := range actors.MakeOrGetConfig().AllSettings() {
		fmt.Printf("\nKey: %s; Value: %v\n", k, v)
	}

	identity := actors.MyIdentity()
	library.LogCLI("speaking as "+identity.Account, 4)

	t := transport.New(transport.Config{
		Identity: identity,
		Handlers: conductor.Handlers{
			TokenTransfer: func(tt conductor.TokenTransfer) {
				fmt.Printf("\nTOKEN TRANSFER from %s\n%s\n", tt.From, tt.Payload)
			},
			PaymentRequest: func(pr conductor.PaymentRequest) {
				fmt.Printf("\nPAYMENT REQUEST from %s\n%s\n", pr.From, pr.Body)
			},
			PaymentResponse: func(pr conductor.PaymentResponse) {
				fmt.Printf("\nPAYMENT RESPONSE from %s\n%s\n", pr.From, pr.Body)
			},
			Broadcast: func(b conductor.Broadcast) {
				fmt.Printf("\nBROADCAST from %s\n%s\n", b.From, b.Content)
			},
			ChatMessage: func(m envelope.ChatMessage) {
				fmt.Printf("\nMESSAGE from %s\n%s\n", m.From, m.Content)
			},
			OutgoingRecord: func(m envelope.ChatMessage) {
				fmt.Printf("\nSENT (replayed) to %s\n%s\n", m.To, m.Content)
			},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := t.Connect(ctx); err != nil {
		library.LogCLI(err.Error(), 0)
	}

	interrupt := make(chan struct{})
	go cliListener(t, interrupt)
	<-interrupt

	t.Disconnect()
	actors.Shutdown()
	fmt.Println(library.Bye())
}
