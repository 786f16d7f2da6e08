// Command chatsync runs a headless chat client and logs everything the
// synchronization core reports.
package main

func main() {
	Execute()
}
