// Package main implements the sockethub CLI.
package main

func main() {
	Execute()
}
