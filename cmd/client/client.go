// Command client is a small CLI for exercising a running fenrir gateway:
// it sends one command frame over the gateway's length-prefixed TCP
// protocol and prints every frame the gateway sends back (the results
// published to this connection's client id; the gateway does not relay
// depth/trade broadcasts), mirroring the teacher's own cmd/client in spirit though the
// wire format is JSON rather than the teacher's binary layout.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"fenrir/internal/model"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "address of the fenrir gateway")
	action := flag.String("action", "create", "create|cancel|open|depth|balance|onramp|withdraw")

	userID := flag.String("user", "", "user id")
	market := flag.String("market", "BTC_USDT", "market symbol")
	side := flag.String("side", "buy", "buy|sell")
	price := flag.String("price", "", "limit price (canonical decimal text)")
	qty := flag.String("qty", "", "order quantity (canonical decimal text)")
	orderID := flag.String("order-id", "", "order id, for -action cancel")
	asset := flag.String("asset", "", "asset symbol, for -action onramp/withdraw")
	amount := flag.String("amount", "", "amount, for -action onramp/withdraw")
	txID := flag.String("tx", "", "transaction id, for -action withdraw")

	flag.Parse()

	if *userID == "" && *action != "depth" {
		fmt.Fprintln(os.Stderr, "-user is required for this action")
		os.Exit(1)
	}

	cmd, err := buildCommand(*action, *userID, *market, *side, *price, *qty, *orderID, *asset, *amount, *txID)
	if err != nil {
		log.Fatalf("building command: %v", err)
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("dial %s: %v", *serverAddr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(cmd)
	if err != nil {
		log.Fatalf("encode command: %v", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		log.Fatalf("send command: %v", err)
	}
	fmt.Printf("-> sent %s\n", cmd.Kind)

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err == io.EOF {
				return
			}
			log.Fatalf("read frame: %v", err)
		}
		fmt.Println(string(frame))
	}
}

func buildCommand(action, userID, market, side, price, qty, orderID, asset, amount, txID string) (model.Command, error) {
	switch action {
	case "create":
		return model.Command{
			Kind: model.CreateOrder,
			CreateOrder: &model.CreateOrderCommand{
				UserID: userID, Market: market, Side: side, Price: price, Quantity: qty,
			},
		}, nil
	case "cancel":
		return model.Command{
			Kind:        model.CancelOrder,
			CancelOrder: &model.CancelOrderCommand{Market: market, OrderID: orderID},
		}, nil
	case "open":
		return model.Command{
			Kind:          model.GetOpenOrders,
			GetOpenOrders: &model.GetOpenOrdersCommand{Market: market, UserID: userID},
		}, nil
	case "depth":
		return model.Command{
			Kind:     model.GetDepth,
			GetDepth: &model.GetDepthCommand{Market: market},
		}, nil
	case "balance":
		return model.Command{
			Kind:       model.GetBalance,
			GetBalance: &model.GetBalanceCommand{UserID: userID},
		}, nil
	case "onramp":
		return model.Command{
			Kind:   model.OnRamp,
			OnRamp: &model.OnRampCommand{UserID: userID, Asset: asset, Amount: amount},
		}, nil
	case "withdraw":
		return model.Command{
			Kind:     model.Withdraw,
			Withdraw: &model.WithdrawCommand{UserID: userID, Asset: asset, Amount: amount, TxID: txID},
		}, nil
	default:
		return model.Command{}, fmt.Errorf("unknown action %q", action)
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
