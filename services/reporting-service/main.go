package main

import "github.com/stoik/smsledger/services/reporting-service/internal/app"

func main() {
	app.Execute()
}
