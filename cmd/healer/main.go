package main

import "ai-selector-healer/internal/bootstrap"

func main() {
	bootstrap.NewApp().Run()
}
