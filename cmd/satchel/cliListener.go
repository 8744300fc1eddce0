package main

import (
	"fmt"

	"github.com/eiannone/keyboard"
	"satchel/engine/actors"
	"satchel/transport"
)

// cliListener is a cheap and nasty way to speed up development cycles. It listens for keypresses and executes commands.
func cliListener(t *transport.Transport, interrupt chan struct{}) {
	fmt.Println("INSPECT CURRENT STATE:\ni: identity\nr: relay status\nc: config\nq: to quit\nSee cliListener.go for more")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			panic(err)
		}
		str := string(r)
		switch str {
		default:
			if k == 13 {
				fmt.Println("\n-----------------------------------")
				break
			}
			if r == 0 {
				break
			}
			fmt.Println("Key " + str + " is not bound to any test procedures. See main.cliListener for more details.")
		case "q":
			close(interrupt)
			return
		case "i":
			identity := t.Identity()
			fmt.Printf("\nAccount: %s\nChainKey: %s\nName: %s\n", identity.Account, identity.ChainKey, identity.Name)
		case "r":
			fmt.Printf("\nOverall: %s\n", t.Status())
			for _, url := range t.ConnectedRelays() {
				fmt.Printf("connected: %s\n", url)
			}
		case "c":
			fmt.Println("CURRENT CONFIG")
			for key, v := range actors.MakeOrGetConfig().AllSettings() {
				fmt.Printf("\nKey: %s; Value: %v\n", key, v)
			}
		}
	}
}
