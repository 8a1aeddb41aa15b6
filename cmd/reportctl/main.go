// Command reportctl manages report schedules and backfill collections.
package main

func main() {
	Execute()
}
