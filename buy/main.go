package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Load generator: hammers the seckill endpoint with many users, polling while
// waiting in the virtual queue.
func main() {
	var wg sync.WaitGroup
	totalUsers := 50000

	for i := 0; i < totalUsers; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()

			url := fmt.Sprintf("http://localhost:8080/seckill?voucher_id=1&user_id=%d", user)

			for {
				resp, err := http.Get(url)
				if err != nil {
					return
				}

				switch resp.StatusCode {
				case http.StatusOK:
					var result map[string]interface{}
					json.NewDecoder(resp.Body).Decode(&result)
					fmt.Printf("user %d: admitted, order %v\n", user, result["order_id"])
					resp.Body.Close()
					return

				case http.StatusAccepted:
					var result map[string]interface{}
					json.NewDecoder(resp.Body).Decode(&result)
					fmt.Printf("user %d: waiting, rank %v\n", user, result["rank"])
					resp.Body.Close()

					time.Sleep(1 * time.Second)
					continue

				case http.StatusGone:
					fmt.Printf("user %d: sold out\n", user)
					resp.Body.Close()
					return

				case http.StatusBadRequest:
					fmt.Printf("user %d: already ordered\n", user)
					resp.Body.Close()
					return

				default:
					resp.Body.Close()
					return
				}
			}
		}(i)
	}

	wg.Wait()
	fmt.Println("load test finished")
}
