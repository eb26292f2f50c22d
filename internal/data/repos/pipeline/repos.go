package pipeline

import "gorm.io/gorm"

// Repos bundles the State Store's repositories for convenient wiring.
type Repos struct {
	Jobs        JobRepo
	Stages      StageRepo
	Outputs     OutputRepo
	Subscribers SubscriberRepo
	Queue       QueueRepo
}

func NewRepos(db *gorm.DB) *Repos {
	return &Repos{
		Jobs:        NewJobRepo(db),
		Stages:      NewStageRepo(db),
		Outputs:     NewOutputRepo(db),
		Subscribers: NewSubscriberRepo(db),
		Queue:       NewQueueRepo(db),
	}
}
