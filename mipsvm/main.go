// Command mipsvm boots the VM system of a MIPS teaching kernel and runs a
// workload against it.
package main

import "github.com/sarchlab/mipsvm/mipsvm/cmd"

func main() {
	cmd.Execute()
}
