// Command nreplc evaluates code in a running nREPL or socket REPL.
package main

func main() {
	Execute()
}
