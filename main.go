package main

import (
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
