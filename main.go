// Command kaspd runs the KASP primer design service.
package main

import "github.com/JakeFAU/kasp-primer-api/cmd"

func main() {
	cmd.Execute()
}
